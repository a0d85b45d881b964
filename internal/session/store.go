package session

import "sync"

// Store holds the highest token observed for each partition range. It is
// shared by all operations of a client.
//
// Merges on the same range serialise on that range's cell; merges on
// different ranges do not contend. The map lock is held only to find or
// create a cell.
type Store struct {
	mu    sync.RWMutex
	cells map[string]*cell
}

type cell struct {
	mu  sync.Mutex
	tok Token
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{cells: make(map[string]*cell)}
}

func (s *Store) cell(rangeID string) *cell {
	s.mu.RLock()
	c, ok := s.cells[rangeID]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.cells[rangeID]; !ok {
		c = &cell{}
		s.cells[rangeID] = c
	}
	return c
}

// Merge folds tok into the range's token and returns the result.
func (s *Store) Merge(rangeID string, tok Token) Token {
	c := s.cell(rangeID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tok = Merge(c.tok, tok)
	return c.tok
}

// MergeAll merges every token in tokens.
func (s *Store) MergeAll(tokens map[string]Token) {
	for id, tok := range tokens {
		s.Merge(id, tok)
	}
}

// Current returns the range's token, if any has been recorded.
func (s *Store) Current(rangeID string) (Token, bool) {
	s.mu.RLock()
	c, ok := s.cells[rangeID]
	s.mu.RUnlock()
	if !ok {
		return Token{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tok, true
}

// Len returns the number of ranges tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells)
}

// Snapshot copies all tokens. Each token is read atomically; the snapshot as
// a whole is not.
func (s *Store) Snapshot() map[string]Token {
	s.mu.RLock()
	cells := make(map[string]*cell, len(s.cells))
	for id, c := range s.cells {
		cells[id] = c
	}
	s.mu.RUnlock()

	out := make(map[string]Token, len(cells))
	for id, c := range cells {
		c.mu.Lock()
		out[id] = c.tok
		c.mu.Unlock()
	}
	return out
}
