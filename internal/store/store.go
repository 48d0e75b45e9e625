// Package store persists the settings document: the ordered tunnel entries
// and the optional password record.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"grimm.is/tunnelboard/internal/logging"
)

// ServerConfig is a persisted server entry.
type ServerConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Key     string `json:"key"`
	Secure  bool   `json:"secure"`
	Enabled bool   `json:"enabled"`
}

// ClientConfig is a persisted client entry.
type ClientConfig struct {
	Key     string `json:"key"`
	Port    int    `json:"port"`
	Enabled bool   `json:"enabled"`
}

// Document is the whole on-disk settings file. PasswordHash is nil when no
// password is set.
type Document struct {
	Servers      []ServerConfig `json:"servers"`
	Clients      []ClientConfig `json:"clients"`
	PasswordHash *string        `json:"passwordHash"`
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := &Document{
		Servers: append([]ServerConfig{}, d.Servers...),
		Clients: append([]ClientConfig{}, d.Clients...),
	}
	if d.PasswordHash != nil {
		h := *d.PasswordHash
		c.PasswordHash = &h
	}
	return c
}

// PersistError reports a failed write of the settings document.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// FileStore reads and atomically rewrites the settings document.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *logging.Logger
}

// NewFileStore returns a store for path.
func NewFileStore(path string, logger *logging.Logger) *FileStore {
	if logger == nil {
		logger = logging.Default()
	}
	return &FileStore{path: path, logger: logger.WithComponent("store")}
}

// Path returns the document location.
func (s *FileStore) Path() string { return s.path }

// Load reads the document. A missing file is an empty document; malformed
// JSON is an error.
func (s *FileStore) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("no settings file, starting empty", "path", s.path)
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	return &doc, nil
}

// Save writes doc to a temp file, syncs it and renames it over the target.
func (s *FileStore) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := doc.Clone()
	if out.Servers == nil {
		out.Servers = []ServerConfig{}
	}
	if out.Clients == nil {
		out.Clients = []ClientConfig{}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return &PersistError{Path: s.path, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return &PersistError{Path: s.path, Err: err}
	}

	tmpPath := s.path + ".tmp"
	if err := writeSync(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return &PersistError{Path: s.path, Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return &PersistError{Path: s.path, Err: err}
	}
	return nil
}

func writeSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
