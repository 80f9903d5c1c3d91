package hub

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Type string `json:"type"`
	Seq  int    `json:"seq"`
}

func drain(t *testing.T, c *Connection, n int) []testEvent {
	t.Helper()
	events := make([]testEvent, 0, n)
	for i := 0; i < n; i++ {
		select {
		case data := <-c.Send:
			var ev testEvent
			require.NoError(t, json.Unmarshal(data, &ev))
			events = append(events, ev)
		default:
			t.Fatalf("expected %d events, got %d", n, i)
		}
	}
	return events
}

func TestPublishReachesAllRoomMembers(t *testing.T) {
	h := New(zerolog.Nop())
	a := NewConnection()
	b := NewConnection()
	h.Join("s1", a)
	h.Join("s1", b)

	h.Publish("s1", testEvent{Type: "ping", Seq: 1})

	assert.Equal(t, "ping", drain(t, a, 1)[0].Type)
	assert.Equal(t, "ping", drain(t, b, 1)[0].Type)
}

func TestPublishPreservesOrder(t *testing.T) {
	h := New(zerolog.Nop())
	c := NewConnection()
	h.Join("s1", c)

	for i := 0; i < 10; i++ {
		h.Publish("s1", testEvent{Type: "seq", Seq: i})
	}

	for i, ev := range drain(t, c, 10) {
		assert.Equal(t, i, ev.Seq)
	}
}

func TestPublishDoesNotCrossRooms(t *testing.T) {
	h := New(zerolog.Nop())
	a := NewConnection()
	b := NewConnection()
	h.Join("s1", a)
	h.Join("s2", b)

	h.Publish("s1", testEvent{Type: "ping"})

	assert.Len(t, a.Send, 1)
	assert.Len(t, b.Send, 0)
}

func TestLeaveAbsentIsNoOp(t *testing.T) {
	h := New(zerolog.Nop())
	c := NewConnection()

	h.Leave("nope", c)

	h.Join("s1", c)
	h.Leave("s1", c)
	h.Leave("s1", c)
	assert.Equal(t, 0, h.RoomSize("s1"))
}

func TestPublishToEmptyRoom(t *testing.T) {
	h := New(zerolog.Nop())
	h.Publish("ghost", testEvent{Type: "ping"})
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	h := New(zerolog.Nop())
	c := NewConnection()
	h.Join("s1", c)

	// Overrun the send buffer; Publish must never block or fail.
	for i := 0; i < sendBuffer+10; i++ {
		h.Publish("s1", testEvent{Type: "seq", Seq: i})
	}
	assert.Equal(t, sendBuffer, len(c.Send))
}

func TestConcurrentPublishersDeliverSameOrderToAllMembers(t *testing.T) {
	h := New(zerolog.Nop())
	conns := make([]*Connection, 4)
	for i := range conns {
		conns[i] = NewConnection()
		h.Join("s1", conns[i])
	}

	// Two publishers racing into the same room, as a reconciler broadcast
	// does against an in-flight stream. 100 events total fit the send buffer.
	var wg sync.WaitGroup
	for p := 0; p < 2; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h.Publish("s1", testEvent{Type: "seq", Seq: p*1000 + i})
			}
		}(p)
	}
	wg.Wait()

	reference := drain(t, conns[0], 100)
	for _, c := range conns[1:] {
		assert.Equal(t, reference, drain(t, c, 100), "all room members must observe the same interleaving")
	}
}

func TestPublishAfterCloseIsSafe(t *testing.T) {
	h := New(zerolog.Nop())
	c := NewConnection()
	h.Join("s1", c)

	c.Close()
	c.Close() // double close must not panic
	h.Publish("s1", testEvent{Type: "ping"})
	h.Leave("s1", c)
}
