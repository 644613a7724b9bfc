package client

import (
	"sync"

	"github.com/retroboard/retroboard/board"
)

// Store is the client's local persistence, keyed by board ID. The browser
// build backs this with local storage; the core only needs load/save.
type Store interface {
	// Load returns the saved state for a board, or nil when none exists.
	Load(boardID string) (*board.State, error)
	Save(boardID string, st *board.State) error
}

// RenderFunc is invoked with a state snapshot after every mutation. The
// snapshot is a private copy; the callback may keep it.
type RenderFunc func(st *board.State)

// MemoryStore is an in-process Store, used by tests and headless clients.
type MemoryStore struct {
	mu     sync.Mutex
	boards map[string]*board.State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{boards: make(map[string]*board.State)}
}

func (m *MemoryStore) Load(boardID string) (*board.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.boards[boardID]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (m *MemoryStore) Save(boardID string, st *board.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.boards[boardID] = st.Clone()
	return nil
}
