// Package files manages the upload directory: filesystem CRUD plus a SQLite
// registry of uploaded documents.
package files

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// maxFileSize caps uploads at 50MB.
const maxFileSize = 50 * 1024 * 1024

// maxPreviewSize caps text previews at 1MB.
const maxPreviewSize = 1024 * 1024

var allowedExtensions = map[string]struct{}{
	".txt": {}, ".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
	".ppt": {}, ".pptx": {}, ".csv": {}, ".json": {}, ".xml": {}, ".md": {},
	".py": {}, ".js": {}, ".html": {}, ".css": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".svg": {}, ".webp": {},
	".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {}, ".mp3": {}, ".wav": {}, ".ogg": {},
}

// Errors returned by manager operations.
var (
	ErrNotFound       = errors.New("item not found")
	ErrExists         = errors.New("item already exists")
	ErrInvalidName    = errors.New("invalid name")
	ErrTypeNotAllowed = errors.New("file type not allowed")
	ErrTooLarge       = errors.New("file too large")
	ErrNoPreview      = errors.New("file type not supported for preview")
)

// Item describes a file or folder inside the upload directory.
type Item struct {
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	Size          int64     `json:"size,omitempty"`
	SizeFormatted string    `json:"size_formatted,omitempty"`
	Modified      time.Time `json:"modified"`
	Type          string    `json:"type"` // "file" or "folder"
	MimeType      string    `json:"mime_type,omitempty"`
	ChildrenCount int       `json:"children_count,omitempty"`
}

// Manager performs CRUD over the upload directory. Paths given by callers are
// always relative to the base directory; escapes are rejected.
type Manager struct {
	baseDir string
}

// NewManager creates the manager, making the base directory when missing.
func NewManager(baseDir string) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upload directory: %w", err)
	}
	return &Manager{baseDir: abs}, nil
}

// resolve maps a client-supplied relative path onto the base directory,
// rejecting traversal outside it.
func (m *Manager) resolve(relative string) (string, error) {
	p := filepath.Join(m.baseDir, filepath.FromSlash(relative))
	p = filepath.Clean(p)
	if p != m.baseDir && !strings.HasPrefix(p, m.baseDir+string(filepath.Separator)) {
		return "", ErrInvalidName
	}
	return p, nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeName flattens a client-supplied file or folder name to a safe form.
func sanitizeName(name string) string {
	name = filepath.Base(filepath.FromSlash(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = unsafeNameChars.ReplaceAllString(name, "")
	name = strings.Trim(name, "._")
	if name == "" || name == "." || name == ".." {
		return ""
	}
	return name
}

// List returns the directory contents, folders first, each group sorted by
// name.
func (m *Manager) List(relative string) ([]Item, error) {
	dir, err := m.resolve(relative)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	var folders, regular []Item
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		item := m.describe(filepath.Join(dir, e.Name()), info)
		if e.IsDir() {
			folders = append(folders, item)
		} else {
			regular = append(regular, item)
		}
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	sort.Slice(regular, func(i, j int) bool { return regular[i].Name < regular[j].Name })
	return append(folders, regular...), nil
}

// CreateFolder makes a new folder under the given relative path.
func (m *Manager) CreateFolder(relative, name string) (Item, error) {
	name = sanitizeName(name)
	if name == "" {
		return Item{}, ErrInvalidName
	}
	parent, err := m.resolve(relative)
	if err != nil {
		return Item{}, err
	}
	target := filepath.Join(parent, name)
	if _, err := os.Stat(target); err == nil {
		return Item{}, ErrExists
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return Item{}, fmt.Errorf("failed to create folder: %w", err)
	}
	return m.stat(target)
}

// Save stores an uploaded file, enforcing the extension allowlist and the
// size cap. Name collisions get a _N suffix instead of overwriting.
func (m *Manager) Save(relative, filename string, src io.Reader, size int64) (Item, error) {
	filename = sanitizeName(filename)
	if filename == "" {
		return Item{}, ErrInvalidName
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExtensions[ext]; !ok {
		return Item{}, ErrTypeNotAllowed
	}
	if size > maxFileSize {
		return Item{}, ErrTooLarge
	}

	dir, err := m.resolve(relative)
	if err != nil {
		return Item{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Item{}, fmt.Errorf("failed to create target directory: %w", err)
	}

	target := filepath.Join(dir, filename)
	base := strings.TrimSuffix(filename, ext)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, counter, ext))
	}

	dst, err := os.Create(target)
	if err != nil {
		return Item{}, fmt.Errorf("failed to create file: %w", err)
	}
	written, err := io.Copy(dst, io.LimitReader(src, maxFileSize+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return Item{}, fmt.Errorf("failed to write file: %w", err)
	}
	if written > maxFileSize {
		os.Remove(target)
		return Item{}, ErrTooLarge
	}
	return m.stat(target)
}

// Delete removes a file or folder (recursively).
func (m *Manager) Delete(relative string) error {
	target, err := m.resolve(relative)
	if err != nil {
		return err
	}
	if target == m.baseDir {
		return ErrInvalidName
	}
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return ErrNotFound
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

// Rename renames a file or folder in place.
func (m *Manager) Rename(relative, newName string) (Item, error) {
	newName = sanitizeName(newName)
	if newName == "" {
		return Item{}, ErrInvalidName
	}
	old, err := m.resolve(relative)
	if err != nil {
		return Item{}, err
	}
	if _, err := os.Stat(old); os.IsNotExist(err) {
		return Item{}, ErrNotFound
	}
	target := filepath.Join(filepath.Dir(old), newName)
	if _, err := os.Stat(target); err == nil {
		return Item{}, ErrExists
	}
	if err := os.Rename(old, target); err != nil {
		return Item{}, fmt.Errorf("failed to rename item: %w", err)
	}
	return m.stat(target)
}

// Content returns the content of a text file for preview.
func (m *Manager) Content(relative string) (string, Item, error) {
	target, err := m.resolve(relative)
	if err != nil {
		return "", Item{}, err
	}
	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		return "", Item{}, ErrNotFound
	}
	if info.Size() > maxPreviewSize {
		return "", Item{}, ErrTooLarge
	}
	item := m.describe(target, info)
	if !strings.HasPrefix(item.MimeType, "text/") {
		return "", Item{}, ErrNoPreview
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", Item{}, fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), item, nil
}

func (m *Manager) stat(path string) (Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Item{}, fmt.Errorf("failed to stat item: %w", err)
	}
	return m.describe(path, info), nil
}

func (m *Manager) describe(path string, info os.FileInfo) Item {
	rel, _ := filepath.Rel(m.baseDir, path)
	item := Item{
		Name:     info.Name(),
		Path:     filepath.ToSlash(rel),
		Modified: info.ModTime(),
	}
	if info.IsDir() {
		item.Type = "folder"
		if entries, err := os.ReadDir(path); err == nil {
			item.ChildrenCount = len(entries)
		}
		return item
	}
	item.Type = "file"
	item.Size = info.Size()
	item.SizeFormatted = formatSize(info.Size())
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		item.MimeType = mt
	} else {
		item.MimeType = "application/octet-stream"
	}
	return item
}

func formatSize(size int64) string {
	if size == 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB"}
	value := float64(size)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", value, units[i])
}
