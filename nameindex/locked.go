package nameindex

import "sync"

// Locked guards a Trie with a readers-writer lock for use by several writers.
type Locked struct {
	mu sync.RWMutex
	t  *Trie
}

// NewLocked wraps t. The caller must not use t directly afterwards.
func NewLocked(t *Trie) *Locked {
	if t == nil {
		t = New()
	}
	return &Locked{t: t}
}

// Index binds id to every key generated for name.
func (l *Locked) Index(name, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.Index(name, id)
}

// Unindex removes id from every key generated for name.
func (l *Locked) Unindex(name, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t.Unindex(name, id)
}

// Insert binds id to the exact key name.
func (l *Locked) Insert(name, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.Insert(name, id)
}

// Delete unbinds id from the exact key name.
func (l *Locked) Delete(name, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t.Delete(name, id)
}

// Find returns up to limit matches for query in breadth-first order.
func (l *Locked) Find(query string, limit int) []Match {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.t.Find(query, limit)
}

// Len returns the number of keys holding at least one id.
func (l *Locked) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.t.Len()
}

// Replace swaps in a freshly built trie, e.g. after a full rebuild.
func (l *Locked) Replace(t *Trie) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t = t
}
