package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/models"
)

// Call records one request made to a Memory service.
type Call struct {
	Op         string // insert, update, delete, query, ping
	Collection models.Collection
	Key        string
	Fields     map[string]interface{}
}

// Memory is an in-process Service with call recording and failure injection.
type Memory struct {
	mu       sync.Mutex
	records  map[models.Collection]map[string]map[string]interface{}
	calls    []Call
	nextKeys []string
	seq      int
	hook     func(ctx context.Context, call Call) error
}

// NewMemory creates an empty Memory service.
func NewMemory() *Memory {
	return &Memory{records: make(map[models.Collection]map[string]map[string]interface{})}
}

// SetHook installs fn to run before every call with the lock released.
// A non-nil return fails the call without touching state.
func (m *Memory) SetHook(fn func(ctx context.Context, call Call) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// QueueKeys makes the next inserts use keys in order before falling back to
// generated ones.
func (m *Memory) QueueKeys(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextKeys = append(m.nextKeys, keys...)
}

// Seed stores a record directly.
func (m *Memory) Seed(collection models.Collection, key string, fields map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(collection)[key] = copyFields(fields)
}

// Has reports whether the record exists.
func (m *Memory) Has(collection models.Collection, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[collection][key]
	return ok
}

// Fields returns a copy of a stored record's fields.
func (m *Memory) Fields(collection models.Collection, key string) (map[string]interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.records[collection][key]
	if !ok {
		return nil, false
	}
	return copyFields(f), true
}

// Calls returns the calls made so far.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many calls of op were made.
func (m *Memory) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (m *Memory) table(collection models.Collection) map[string]map[string]interface{} {
	t, ok := m.records[collection]
	if !ok {
		t = make(map[string]map[string]interface{})
		m.records[collection] = t
	}
	return t
}

func (m *Memory) begin(ctx context.Context, call Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	hook := m.hook
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		return hook(ctx, call)
	}
	return nil
}

// Insert implements Service.
func (m *Memory) Insert(ctx context.Context, collection models.Collection, fields map[string]interface{}) (*models.Record, error) {
	fields = models.CleanFields(fields)
	if err := m.begin(ctx, Call{Op: "insert", Collection: collection, Fields: copyFields(fields)}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var key string
	if len(m.nextKeys) > 0 {
		key, m.nextKeys = m.nextKeys[0], m.nextKeys[1:]
	} else {
		m.seq++
		key = fmt.Sprintf("srv-%d", m.seq)
	}
	m.table(collection)[key] = copyFields(fields)
	return m.record(collection, key), nil
}

// Update implements Service.
func (m *Memory) Update(ctx context.Context, collection models.Collection, key string, fields map[string]interface{}) (*models.Record, error) {
	fields = models.CleanFields(fields)
	if err := m.begin(ctx, Call{Op: "update", Collection: collection, Key: key, Fields: copyFields(fields)}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[collection][key]
	if !ok {
		return nil, apperrors.New(apperrors.ErrRecordNotFound, fmt.Sprintf("%s/%s not found", collection, key))
	}
	for k, v := range fields {
		stored[k] = v
	}
	return m.record(collection, key), nil
}

// Delete implements Service.
func (m *Memory) Delete(ctx context.Context, collection models.Collection, key string) error {
	if err := m.begin(ctx, Call{Op: "delete", Collection: collection, Key: key}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[collection][key]; !ok {
		return apperrors.New(apperrors.ErrRecordNotFound, fmt.Sprintf("%s/%s not found", collection, key))
	}
	delete(m.records[collection], key)
	return nil
}

// Query implements Service.
func (m *Memory) Query(ctx context.Context, collection models.Collection, filter Filter) ([]*models.Record, error) {
	if err := m.begin(ctx, Call{Op: "query", Collection: collection}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.records[collection]))
	for k, f := range m.records[collection] {
		if filter.Matches(f) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]*models.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.record(collection, k))
	}
	return out, nil
}

// Ping implements Service.
func (m *Memory) Ping(ctx context.Context) error {
	return m.begin(ctx, Call{Op: "ping"})
}

// record must be called with m.mu held.
func (m *Memory) record(collection models.Collection, key string) *models.Record {
	rec := models.NewRecord(collection, key, copyFields(m.records[collection][key]))
	rec.SyncStatus = models.SyncStatusSynced
	return rec
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// FailTimes returns a hook that fails the first n calls of op with err.
func FailTimes(op string, n int, err error) func(context.Context, Call) error {
	var mu sync.Mutex
	remaining := n
	return func(_ context.Context, call Call) error {
		if call.Op != op {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if remaining <= 0 {
			return nil
		}
		remaining--
		return err
	}
}

var _ Service = (*Memory)(nil)
var _ Service = (*HTTPClient)(nil)
