package files

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Document ingest statuses.
const (
	StatusPending  = "pending"
	StatusIngested = "ingested"
)

// Document is one registered upload.
type Document struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type"`
	Status     string    `json:"status"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Registry records uploaded documents and their ingest status in SQLite.
type Registry struct {
	db *sql.DB
}

// OpenRegistry opens (and migrates) the registry database.
func OpenRegistry(dsn string) (*Registry, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return r, nil
}

func (r *Registry) migrate() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		size INTEGER NOT NULL,
		mime_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		uploaded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Add registers a newly uploaded document.
func (r *Registry) Add(ctx context.Context, doc *Document) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (id, name, path, size, mime_type, status, uploaded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Name, doc.Path, doc.Size, doc.MimeType, doc.Status, doc.UploadedAt)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// List returns all registered documents, newest first.
func (r *Registry) List(ctx context.Context) ([]Document, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, path, size, mime_type, status, uploaded_at FROM documents ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Name, &d.Path, &d.Size, &d.MimeType, &d.Status, &d.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// SetStatus updates the ingest status of a document by path.
func (r *Registry) SetStatus(ctx context.Context, path, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE documents SET status = ? WHERE path = ?`, status, path)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return nil
}

// Remove drops the registration for a deleted path. Deleting a folder also
// drops everything under it.
func (r *Registry) Remove(ctx context.Context, p string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM documents WHERE path = ? OR path LIKE ? ESCAPE '\'`,
		p, escapeLike(p)+"/%")
	if err != nil {
		return fmt.Errorf("failed to remove document: %w", err)
	}
	return nil
}

// Rename re-registers a moved path, keeping id, status, and upload time. A
// folder rename also rewrites the paths of everything under it.
func (r *Registry) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET path = ?, name = ? WHERE path = ?`,
		newPath, path.Base(newPath), oldPath)
	if err != nil {
		return fmt.Errorf("failed to rename document: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE documents SET path = ? || substr(path, ?) WHERE path LIKE ? ESCAPE '\'`,
		newPath, len(oldPath)+1, escapeLike(oldPath)+"/%")
	if err != nil {
		return fmt.Errorf("failed to rename folder contents: %w", err)
	}
	return nil
}

// escapeLike quotes LIKE wildcards; sanitized filenames routinely contain
// underscores.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
