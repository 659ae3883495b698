// internal/buffer/storage.go
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultNamespace keeps buffered writes apart from unrelated data sharing
// the same device storage.
const DefaultNamespace = "mkutano_offline_data"

var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Document is the persisted layout: one entry per namespace, each holding
// arrays of operations per kind.
type Document struct {
	Version    int                   `json:"version"`
	Namespaces map[string]*Namespace `json:"namespaces"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Namespace holds the operations of one buffer.
type Namespace struct {
	NextSeq    uint64                       `json:"next_seq"`
	Operations map[Kind][]*PendingOperation `json:"operations"`
}

func newDocument() *Document {
	return &Document{Version: 1, Namespaces: map[string]*Namespace{}}
}

func newNamespace() *Namespace {
	ns := &Namespace{Operations: map[Kind][]*PendingOperation{}}
	for _, k := range Kinds {
		ns.Operations[k] = []*PendingOperation{}
	}
	return ns
}

func (ns *Namespace) clone() *Namespace {
	c := &Namespace{NextSeq: ns.NextSeq, Operations: make(map[Kind][]*PendingOperation, len(ns.Operations))}
	for k, ops := range ns.Operations {
		cp := make([]*PendingOperation, len(ops))
		for i, op := range ops {
			cp[i] = op.clone()
		}
		c.Operations[k] = cp
	}
	return c
}

// Storage persists the buffer document. Save must not return until the
// document is durable.
type Storage interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	Close() error
}

// FileStorage keeps the document as a JSON file, replaced atomically on save.
type FileStorage struct {
	mu   sync.Mutex
	path string
}

func NewFileStorage(path string) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create buffer directory: %w", err)
	}
	return &FileStorage{path: path}, nil
}

func (fs *FileStorage) Load(ctx context.Context) (*Document, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return newDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read buffer file: %w", err)
	}
	if len(data) == 0 {
		return newDocument(), nil
	}
	doc := newDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode buffer file: %w", err)
	}
	if doc.Namespaces == nil {
		doc.Namespaces = map[string]*Namespace{}
	}
	return doc, nil
}

func (fs *FileStorage) Save(ctx context.Context, doc *Document) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode buffer: %w", err)
	}

	tmp := fs.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("replace buffer file: %w", err)
	}
	// the rename is only durable once the directory entry is
	return syncDir(filepath.Dir(fs.path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open buffer directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync buffer directory: %w", err)
	}
	return nil
}

func (fs *FileStorage) Close() error { return nil }

// MemoryStorage keeps the encoded document in memory. A positive quota caps
// the encoded size, the way browser storage does.
type MemoryStorage struct {
	mu      sync.Mutex
	data    []byte
	quota   int
	failure error
	saves   int
}

func NewMemoryStorage(quota int) *MemoryStorage {
	return &MemoryStorage{quota: quota}
}

// SetFailure makes every following Save fail with err; nil clears it.
func (ms *MemoryStorage) SetFailure(err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failure = err
}

// Saves returns how many saves succeeded.
func (ms *MemoryStorage) Saves() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.saves
}

func (ms *MemoryStorage) Load(ctx context.Context) (*Document, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if len(ms.data) == 0 {
		return newDocument(), nil
	}
	doc := newDocument()
	if err := json.Unmarshal(ms.data, doc); err != nil {
		return nil, fmt.Errorf("decode buffer: %w", err)
	}
	if doc.Namespaces == nil {
		doc.Namespaces = map[string]*Namespace{}
	}
	return doc, nil
}

func (ms *MemoryStorage) Save(ctx context.Context, doc *Document) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.failure != nil {
		return ms.failure
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode buffer: %w", err)
	}
	if ms.quota > 0 && len(data) > ms.quota {
		return fmt.Errorf("%w: %d bytes over a %d byte quota", ErrQuotaExceeded, len(data), ms.quota)
	}
	ms.data = data
	ms.saves++
	return nil
}

func (ms *MemoryStorage) Close() error { return nil }
