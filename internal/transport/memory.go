package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/dmitrijs2005/harmony/internal/models"
)

// Memory is an in-memory Remote holding collections, objects and a per
// collection modification sequence. It serves integration tests and local
// development.
type Memory struct {
	mu          sync.Mutex
	seq         int
	collections map[string]*memCollection
	failures    map[string]error
	calls       map[string]int
}

type memChange struct {
	state   int
	id      string
	deleted bool
}

type memCollection struct {
	info     RemoteCollection
	objects  map[string]json.RawMessage
	created  map[string]int
	state    int
	log      []memChange
	minState int
}

// NewMemory returns an empty in-memory remote.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]*memCollection),
		failures:    make(map[string]error),
		calls:       make(map[string]int),
	}
}

// Operation names accepted by Fail and Calls.
const (
	OpList   = "list"
	OpFetch  = "fetch"
	OpDelta  = "delta"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Fail makes every subsequent call of op return err. A nil err clears it.
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Writes returns the number of create, update and delete calls.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[OpCreate] + m.calls[OpUpdate] + m.calls[OpDelete]
}

// AddCollection creates a remote collection and returns its id.
func (m *Memory) AddCollection(typ models.EntityType, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID("C")
	m.collections[id] = &memCollection{
		info:    RemoteCollection{ID: id, Type: typ, Name: name},
		objects: make(map[string]json.RawMessage),
		created: make(map[string]int),
	}
	return id
}

// RemoveCollection drops a remote collection.
func (m *Memory) RemoveCollection(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, id)
}

// Put stores an object as if another client created or changed it, and
// returns its id. An empty id creates a new object.
func (m *Memory) Put(collectionID, id string, payload json.RawMessage) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collections[collectionID]
	if c == nil {
		panic(fmt.Sprintf("memory transport: no collection %s", collectionID))
	}
	if id == "" {
		id = m.nextID("E")
	}
	c.put(id, payload)
	return id
}

// Remove deletes an object as if another client destroyed it.
func (m *Memory) Remove(collectionID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.collections[collectionID]; c != nil {
		c.remove(id)
	}
}

// Get returns the stored payload of an object.
func (m *Memory) Get(collectionID, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collections[collectionID]
	if c == nil {
		return nil, false
	}
	p, ok := c.objects[id]
	return p, ok
}

// Count returns the number of objects in a collection.
func (m *Memory) Count(collectionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.collections[collectionID]; c != nil {
		return len(c.objects)
	}
	return 0
}

// ExpireStates makes every state token issued so far for the collection
// unusable for Delta.
func (m *Memory) ExpireStates(collectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.collections[collectionID]; c != nil {
		c.minState = c.state
	}
}

func (m *Memory) ListCollections(ctx context.Context) ([]RemoteCollection, error) {
	if err := m.enter(ctx, OpList); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RemoteCollection, 0, len(m.collections))
	for _, c := range m.collections {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Fetch(ctx context.Context, ref Ref) (*Listing, error) {
	if err := m.enter(ctx, OpFetch); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(ref)
	if err != nil {
		return nil, err
	}
	l := &Listing{State: strconv.Itoa(c.state)}
	for _, id := range c.sortedIDs() {
		l.Entities = append(l.Entities, RemoteEntity{ID: id, Payload: c.objects[id]})
	}
	return l, nil
}

func (m *Memory) Delta(ctx context.Context, ref Ref, state string) (*Changes, error) {
	if err := m.enter(ctx, OpDelta); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(ref)
	if err != nil {
		return nil, err
	}
	since, err := strconv.Atoi(state)
	if err != nil || since < c.minState || since > c.state {
		return nil, ErrTokenInvalid
	}

	latest := make(map[string]memChange)
	for _, ch := range c.log {
		if ch.state > since {
			latest[ch.id] = ch
		}
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := &Changes{NewState: strconv.Itoa(c.state)}
	for _, id := range ids {
		ch := latest[id]
		switch {
		case ch.deleted:
			out.Deleted = append(out.Deleted, id)
		case c.created[id] > since:
			out.Added = append(out.Added, RemoteEntity{ID: id, Payload: c.objects[id]})
		default:
			out.Changed = append(out.Changed, RemoteEntity{ID: id, Payload: c.objects[id]})
		}
	}
	return out, nil
}

func (m *Memory) Create(ctx context.Context, ref Ref, payload json.RawMessage) (*WriteResult, error) {
	if err := m.enter(ctx, OpCreate); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(ref)
	if err != nil {
		return nil, err
	}
	id := m.nextID("E")
	c.put(id, payload)
	return &WriteResult{RemoteID: id}, nil
}

func (m *Memory) Update(ctx context.Context, ref Ref, remoteID string, payload json.RawMessage) (*WriteResult, error) {
	if err := m.enter(ctx, OpUpdate); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(ref)
	if err != nil {
		return nil, err
	}
	if _, ok := c.objects[remoteID]; !ok {
		return nil, ErrNotFound
	}
	c.put(remoteID, payload)
	return &WriteResult{RemoteID: remoteID}, nil
}

func (m *Memory) Delete(ctx context.Context, ref Ref, remoteID string) error {
	if err := m.enter(ctx, OpDelete); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(ref)
	if err != nil {
		return err
	}
	if _, ok := c.objects[remoteID]; !ok {
		return ErrNotFound
	}
	c.remove(remoteID)
	return nil
}

func (m *Memory) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return Classify(ctx, err)
	}
	return m.failures[op]
}

func (m *Memory) collection(ref Ref) (*memCollection, error) {
	c := m.collections[ref.CollectionID]
	if c == nil || c.info.Type != ref.Type {
		return nil, fmt.Errorf("collection %s: %w", ref.CollectionID, ErrNotFound)
	}
	return c, nil
}

func (m *Memory) nextID(prefix string) string {
	m.seq++
	return prefix + strconv.Itoa(m.seq)
}

func (c *memCollection) put(id string, payload json.RawMessage) {
	c.state++
	if _, ok := c.objects[id]; !ok {
		c.created[id] = c.state
	}
	c.objects[id] = append(json.RawMessage(nil), payload...)
	c.log = append(c.log, memChange{state: c.state, id: id})
}

func (c *memCollection) remove(id string) {
	if _, ok := c.objects[id]; !ok {
		return
	}
	c.state++
	delete(c.objects, id)
	delete(c.created, id)
	c.log = append(c.log, memChange{state: c.state, id: id, deleted: true})
}

func (c *memCollection) sortedIDs() []string {
	ids := make([]string, 0, len(c.objects))
	for id := range c.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
