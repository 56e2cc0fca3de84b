package contentstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store with a separate replica view. Writes land on
// the primary only; Replicate copies them to the replica, which lets callers
// observe replication lag deterministically.
type Memory struct {
	mu       sync.RWMutex
	primary  map[string]*Document
	replica  map[string]*Document
	syncRepl bool
	down     bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithSyncReplication makes every write visible on the replica immediately.
func WithSyncReplication() MemoryOption {
	return func(m *Memory) { m.syncRepl = true }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		primary: make(map[string]*Document),
		replica: make(map[string]*Document),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Scheme() string { return "memory" }

func (m *Memory) Create(ctx context.Context, doc *Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validate(doc); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return "", ErrUnavailable
	}

	stored := cloneDoc(doc)
	stored.ID = uuid.NewString()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.primary[stored.ID] = stored
	if m.syncRepl {
		m.replica[stored.ID] = cloneDoc(stored)
	}

	doc.ID = stored.ID
	doc.CreatedAt = stored.CreatedAt
	return stored.ID, nil
}

func (m *Memory) GetByID(ctx context.Context, id string, preferReplica bool) (*Document, error) {
	return m.findOne(ctx, preferReplica, func(d *Document) bool { return d.ID == id })
}

func (m *Memory) GetByVersionID(ctx context.Context, versionID string, preferReplica bool) (*Document, error) {
	return m.findOne(ctx, preferReplica, func(d *Document) bool { return d.VersionID == versionID })
}

func (m *Memory) GetLatestByRecord(ctx context.Context, recordID string, preferReplica bool) (*Document, error) {
	docs, err := m.GetAllVersionsByRecord(ctx, recordID, preferReplica)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (m *Memory) GetAllVersionsByRecord(ctx context.Context, recordID string, preferReplica bool) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return nil, ErrUnavailable
	}

	var out []*Document
	for _, d := range m.view(preferReplica) {
		if d.RecordID == recordID {
			out = append(out, cloneDoc(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (m *Memory) ExistsOnReplica(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return false, ErrUnavailable
	}
	_, ok := m.replica[id]
	return ok, nil
}

// Replicate brings the replica up to date with the primary.
func (m *Memory) Replicate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.primary {
		m.replica[id] = cloneDoc(d)
	}
}

// Overwrite replaces a stored payload on both nodes without touching its
// hash, bypassing immutability. It simulates out-of-band tampering.
func (m *Memory) Overwrite(id string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.primary[id]
	if !ok {
		return ErrNotFound
	}
	d.Payload = append(json.RawMessage(nil), payload...)
	if r, ok := m.replica[id]; ok {
		r.Payload = append(json.RawMessage(nil), payload...)
	}
	return nil
}

// SetUnavailable makes every subsequent call fail with ErrUnavailable.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.primary)
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return ErrUnavailable
	}
	return ctx.Err()
}

func (m *Memory) Close(context.Context) error { return nil }

func (m *Memory) view(preferReplica bool) map[string]*Document {
	if preferReplica {
		return m.replica
	}
	return m.primary
}

func (m *Memory) findOne(ctx context.Context, preferReplica bool, match func(*Document) bool) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return nil, ErrUnavailable
	}
	for _, d := range m.view(preferReplica) {
		if match(d) {
			return cloneDoc(d), nil
		}
	}
	return nil, ErrNotFound
}

func cloneDoc(d *Document) *Document {
	c := *d
	c.Payload = append(json.RawMessage(nil), d.Payload...)
	return &c
}
