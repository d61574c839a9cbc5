package mitm

import "sync"

// ShadowEntry holds, for one client, the last value that client submitted to
// each overridden register. It belongs to a single session goroutine and is
// not safe for concurrent use.
type ShadowEntry struct {
	values map[uint16]uint16
}

func newShadowEntry() *ShadowEntry {
	return &ShadowEntry{values: make(map[uint16]uint16)}
}

// Record stores value as the client's view of addr, replacing any earlier one.
func (e *ShadowEntry) Record(addr, value uint16) {
	e.values[addr] = value
}

// Lookup returns the client's view of addr. ok is false when the client has
// never written addr, which is distinct from having written 0.
func (e *ShadowEntry) Lookup(addr uint16) (value uint16, ok bool) {
	value, ok = e.values[addr]
	return value, ok
}

// Len returns the number of recorded addresses.
func (e *ShadowEntry) Len() int {
	return len(e.values)
}

// ShadowStore maps client identities to their ShadowEntry. Entries live
// exactly as long as the client's session.
type ShadowStore struct {
	mu      sync.Mutex
	clients map[string]*ShadowEntry
}

// NewShadowStore returns an empty store.
func NewShadowStore() *ShadowStore {
	return &ShadowStore{clients: make(map[string]*ShadowEntry)}
}

// Open creates an empty entry for client and returns it. Any entry already
// held under the same identity is discarded.
func (s *ShadowStore) Open(client string) *ShadowEntry {
	e := newShadowEntry()
	s.mu.Lock()
	s.clients[client] = e
	s.mu.Unlock()
	return e
}

// Close removes the entry for client.
func (s *ShadowStore) Close(client string) {
	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
}

// Release removes the entry for client only if it is still e. A session
// uses it on exit so that it never drops an entry opened by a newer
// connection that reused the same identity.
func (s *ShadowStore) Release(client string, e *ShadowEntry) {
	s.mu.Lock()
	if s.clients[client] == e {
		delete(s.clients, client)
	}
	s.mu.Unlock()
}

// Record upserts value for (client, addr). It is a no-op for a client with
// no open entry. The entry itself is owned by its session, so Record must
// only be used on entries with no running session.
func (s *ShadowStore) Record(client string, addr, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.clients[client]; ok {
		e.Record(addr, value)
	}
}

// Lookup returns the shadow value for (client, addr). Like Record, it is
// only safe for entries with no running session.
func (s *ShadowStore) Lookup(client string, addr uint16) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.clients[client]
	if !ok {
		return 0, false
	}
	return e.Lookup(addr)
}

// Len returns the number of clients with an open entry.
func (s *ShadowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
