package agent

import "sync"

// sessionTable maps session keys to sessions, with a secondary index by
// mapping id so closing a mapping does not scan every session.
type sessionTable struct {
	mu        sync.Mutex
	byKey     map[Key]*Session
	byMapping map[string]map[Key]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		byKey:     make(map[Key]*Session),
		byMapping: make(map[string]map[Key]*Session),
	}
}

func (t *sessionTable) get(k Key) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byKey[k]
}

// insert adds s unless its key is taken.
func (t *sessionTable) insert(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byKey[s.Key]; ok {
		return false
	}
	t.byKey[s.Key] = s
	m := t.byMapping[s.Key.PortMapID]
	if m == nil {
		m = make(map[Key]*Session)
		t.byMapping[s.Key.PortMapID] = m
	}
	m[s.Key] = s
	return true
}

// remove deletes s if it is still the entry for its key.
func (t *sessionTable) remove(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byKey[s.Key] != s {
		return false
	}
	delete(t.byKey, s.Key)
	if m := t.byMapping[s.Key.PortMapID]; m != nil {
		delete(m, s.Key)
		if len(m) == 0 {
			delete(t.byMapping, s.Key.PortMapID)
		}
	}
	return true
}

func (t *sessionTable) forMapping(id string) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.byMapping[id]))
	for _, s := range t.byMapping[id] {
		out = append(out, s)
	}
	return out
}

func (t *sessionTable) snapshot() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.byKey))
	for _, s := range t.byKey {
		out = append(out, s)
	}
	return out
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

func (t *sessionTable) clear() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.byKey))
	for _, s := range t.byKey {
		out = append(out, s)
	}
	t.byKey = make(map[Key]*Session)
	t.byMapping = make(map[string]map[Key]*Session)
	return out
}
