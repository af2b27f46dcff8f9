// Package nameindex resolves free-text names to entity identifiers with a character trie.
//
// A Trie is built once from a snapshot of (name, id) pairs and then mutated by a single
// owner. Use Locked when more than one goroutine has to write.
package nameindex

import (
	"slices"
	"strings"
)

// Entry binds a display name to an entity identifier.
type Entry struct {
	Name string
	ID   string
}

// Match is one completion returned by Find.
type Match struct {
	Name string   `json:"name"`
	IDs  []string `json:"ids"`
}

type node struct {
	children map[rune]*node
	name     string
	ids      map[string]struct{}
}

func (n *node) terminal() bool { return len(n.ids) > 0 }

func (n *node) empty() bool { return len(n.ids) == 0 && len(n.children) == 0 }

// Trie is a case-insensitive prefix tree. It is not safe for concurrent mutation.
type Trie struct {
	root *node
	keys int
}

// New returns an empty trie.
func New() *Trie {
	return &Trie{root: &node{}}
}

// Build returns a trie holding every key of every entry (see Keys).
func Build(entries []Entry) *Trie {
	t := New()
	for _, e := range entries {
		t.Index(e.Name, e.ID)
	}
	return t
}

// Keys lists the lookup keys generated for a name: each word, then each trailing
// word sequence from the longest to the last word. "A B C" yields A, B, C, A B C, B C, C.
// Phrases are rejoined with single spaces, so "A  B" is indexed as "A B"; callers that
// need the exact spelling as a key use Insert.
func Keys(name string) []string {
	words := strings.Fields(name)
	if len(words) == 0 {
		return nil
	}
	keys := make([]string, 0, 2*len(words))
	keys = append(keys, words...)
	for i := range words {
		keys = append(keys, strings.Join(words[i:], " "))
	}
	return keys
}

// Index inserts every key generated for name, bound to id.
func (t *Trie) Index(name, id string) {
	for _, k := range Keys(name) {
		t.Insert(k, id)
	}
}

// Unindex removes id from every key generated for name. It reports whether anything was removed.
func (t *Trie) Unindex(name, id string) bool {
	removed := false
	for _, k := range Keys(name) {
		if t.Delete(k, id) {
			removed = true
		}
	}
	return removed
}

// Insert binds id to name. Keys are compared lower-cased; the last inserted spelling is
// kept as the display name.
func (t *Trie) Insert(name, id string) {
	if name == "" {
		return
	}
	n := t.root
	for _, r := range strings.ToLower(name) {
		child, ok := n.children[r]
		if !ok {
			if n.children == nil {
				n.children = make(map[rune]*node)
			}
			child = &node{}
			n.children[r] = child
		}
		n = child
	}
	if n.ids == nil {
		n.ids = make(map[string]struct{})
	}
	if !n.terminal() {
		t.keys++
	}
	n.ids[id] = struct{}{}
	n.name = name
}

type step struct {
	parent *node
	r      rune
}

// Delete unbinds id from name and prunes nodes left with neither ids nor children.
// It returns false when name is not in the trie or id was not bound to it.
func (t *Trie) Delete(name, id string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	path := make([]step, 0, len(lower))
	n := t.root
	for _, r := range lower {
		child, ok := n.children[r]
		if !ok {
			return false
		}
		path = append(path, step{parent: n, r: r})
		n = child
	}
	if _, ok := n.ids[id]; !ok {
		return false
	}

	delete(n.ids, id)
	if !n.terminal() {
		n.ids = nil
		n.name = ""
		t.keys--
	}

	for i := len(path) - 1; i >= 0 && n.empty(); i-- {
		p := path[i]
		delete(p.parent.children, p.r)
		n = p.parent
	}
	return true
}

// Find walks the query as far as the trie allows and returns up to limit terminal keys
// below that point in breadth-first order, shorter completions first.
func (t *Trie) Find(query string, limit int) []Match {
	if limit <= 0 {
		return nil
	}

	start := t.root
	for _, r := range strings.ToLower(query) {
		child, ok := start.children[r]
		if !ok {
			break
		}
		start = child
	}

	out := make([]Match, 0, min(limit, 16))
	queue := []*node{start}
	for len(queue) > 0 && len(out) < limit {
		n := queue[0]
		queue = queue[1:]

		if n.terminal() {
			out = append(out, Match{Name: n.name, IDs: sortedIDs(n.ids)})
		}
		for _, r := range sortedRunes(n.children) {
			queue = append(queue, n.children[r])
		}
	}
	return out
}

// Len returns the number of distinct keys holding at least one id.
func (t *Trie) Len() int { return t.keys }

func sortedIDs(ids map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func sortedRunes(children map[rune]*node) []rune {
	out := make([]rune, 0, len(children))
	for r := range children {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}
