package app

import (
	"sync"
	"time"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/notify"
)

// State is everything the console renders. Datasets are never mutated after
// they are placed in a State; changes swap in a modified clone, so a State
// value can be shared freely.
type State struct {
	Authenticated bool
	Username      string
	View          domain.View
	CategoryKey   string
	BorrowerID    domain.BorrowerID

	Dataset      *domain.CachedDataset
	CacheVersion int64

	Loading   int
	Notice    *notify.Notice
	UpdatedAt time.Time
}

// IsLoading reports whether any operation is in flight.
func (s State) IsLoading() bool {
	return s.Loading > 0
}

func (s *State) moveTo(next State) {
	s.View = next.View
	s.CategoryKey = next.CategoryKey
	s.BorrowerID = next.BorrowerID
}

func loggedOutState() State {
	return State{View: domain.ViewLoggedOut}
}

// Bus fans State snapshots out to subscribers. Slow subscribers miss
// intermediate snapshots rather than blocking the synchronizer.
type Bus struct {
	mu   sync.RWMutex
	subs []chan State
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan State {
	ch := make(chan State, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (b *Bus) Unsubscribe(ch <-chan State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			close(sub)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) Publish(state State) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- state:
		default:
		}
	}
}
