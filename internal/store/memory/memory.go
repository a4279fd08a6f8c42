// Package memory holds in-memory store implementations. They back every unit
// test and favor clarity over performance; the postgres package is the
// production pair.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/howpoorru/howpoorru/internal/store"
)

// EntityStore is a mutex-guarded map keyed by entity id.
type EntityStore struct {
	mu       sync.RWMutex
	entities map[int64]*store.Entity
}

func NewEntityStore() *EntityStore {
	return &EntityStore{entities: make(map[int64]*store.Entity)}
}

func (s *EntityStore) Get(_ context.Context, id int64) (*store.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneEntity(e), nil
}

func (s *EntityStore) Upsert(_ context.Context, e *store.Entity) (*store.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneEntity(e)
	if stored, ok := s.entities[e.ID]; ok {
		// public-info upserts never touch sync state
		next.Sync = stored.Sync
	}
	s.entities[e.ID] = next
	return cloneEntity(next), nil
}

// Seed installs an entity verbatim, sync state included. Test setup only.
func (s *EntityStore) Seed(e *store.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = cloneEntity(e)
}

func (s *EntityStore) ListPrincipals(_ context.Context, corporateOnly bool) ([]*store.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Entity
	for _, e := range s.entities {
		if e.Sync == nil || e.Sync.Tokens == nil {
			continue
		}
		if corporateOnly && e.Attrs.CorporationID == 0 {
			continue
		}
		out = append(out, cloneEntity(e))
	}
	sortByID(out)
	return out, nil
}

func (s *EntityStore) ListKinds(_ context.Context, kinds ...store.Kind) ([]*store.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[store.Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []*store.Entity
	for _, e := range s.entities {
		if want[e.Kind] {
			out = append(out, cloneEntity(e))
		}
	}
	sortByID(out)
	return out, nil
}

func (s *EntityStore) SetTokens(_ context.Context, id int64, t *store.TokenBundle) error {
	return s.mutateSync(id, func(sy *store.SyncState) {
		cp := *t
		sy.Tokens = &cp
	})
}

func (s *EntityStore) SetScopes(_ context.Context, id int64, scopes string) error {
	return s.mutateSync(id, func(sy *store.SyncState) { sy.Scopes = scopes })
}

func (s *EntityStore) SetWallet(_ context.Context, id int64, balance float64) error {
	return s.mutateSync(id, func(sy *store.SyncState) { sy.Wallet = balance })
}

func (s *EntityStore) SetDivisionBalances(_ context.Context, id int64, balances []store.DivisionBalance) error {
	return s.mutateSync(id, func(sy *store.SyncState) {
		sy.Wallets = append([]store.DivisionBalance(nil), balances...)
	})
}

func (s *EntityStore) SetCursor(_ context.Context, id int64, division int, cursor int64) error {
	return s.mutateSync(id, func(sy *store.SyncState) {
		if sy.Cursors == nil {
			sy.Cursors = make(map[string]int64)
		}
		sy.Cursors[store.DivisionKey(division)] = cursor
	})
}

func (s *EntityStore) SetDeferred(_ context.Context, id int64, division int, ids []int64) error {
	return s.mutateSync(id, func(sy *store.SyncState) {
		if sy.Deferred == nil {
			sy.Deferred = make(map[string][]int64)
		}
		if len(ids) == 0 {
			delete(sy.Deferred, store.DivisionKey(division))
			return
		}
		sy.Deferred[store.DivisionKey(division)] = append([]int64(nil), ids...)
	})
}

func (s *EntityStore) SetLastJournalSync(_ context.Context, id int64, at time.Time) error {
	return s.mutateSync(id, func(sy *store.SyncState) { sy.LastJournalSync = at })
}

func (s *EntityStore) TopCharacterByWallet(_ context.Context) (*store.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var top *store.Entity
	for _, e := range s.entities {
		if e.Kind != store.KindCharacter || e.Sync == nil {
			continue
		}
		if top == nil || e.Sync.Wallet > top.Sync.Wallet {
			top = e
		}
	}
	if top == nil {
		return nil, store.ErrNotFound
	}
	return cloneEntity(top), nil
}

func (s *EntityStore) TopCorporationByWallets(_ context.Context) (*store.Entity, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var top *store.Entity
	var topSum float64
	for _, e := range s.entities {
		if e.Kind != store.KindCorporation || e.Sync == nil || len(e.Sync.Wallets) == 0 {
			continue
		}
		var sum float64
		for _, w := range e.Sync.Wallets {
			sum += w.Balance
		}
		if top == nil || sum > topSum {
			top, topSum = e, sum
		}
	}
	if top == nil {
		return nil, 0, store.ErrNotFound
	}
	return cloneEntity(top), topSum, nil
}

func (s *EntityStore) mutateSync(id int64, fn func(*store.SyncState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return store.ErrNotFound
	}
	if e.Sync == nil {
		e.Sync = &store.SyncState{}
	}
	fn(e.Sync)
	return nil
}

// JournalStore is a mutex-guarded map keyed by upstream journal id.
type JournalStore struct {
	mu      sync.RWMutex
	entries map[int64]*store.JournalEntry
}

func NewJournalStore() *JournalStore {
	return &JournalStore{entries: make(map[int64]*store.JournalEntry)}
}

func (s *JournalStore) Get(_ context.Context, id int64) (*store.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *JournalStore) Upsert(_ context.Context, e *store.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.entries[e.ID]; ok {
		s.entries[e.ID] = store.MergeEntries(stored, cloneEntry(e))
		return nil
	}
	s.entries[e.ID] = cloneEntry(e)
	return nil
}

func (s *JournalStore) TopSince(_ context.Context, since time.Time) (*store.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var top *store.JournalEntry
	for _, e := range s.entries {
		if e.Date.Before(since) || e.SecondPartyAmount == nil {
			continue
		}
		if top == nil || *e.SecondPartyAmount > *top.SecondPartyAmount {
			top = e
		}
	}
	if top == nil {
		return nil, store.ErrNotFound
	}
	return cloneEntry(top), nil
}

// Len reports the number of stored entries. Test helper.
func (s *JournalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// IDs returns all stored entry ids in ascending order. Test helper.
func (s *JournalStore) IDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortByID(es []*store.Entity) {
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
}

// Clones go through JSON so the stored documents can never alias caller
// memory, mirroring what a real document store would hand back.
func cloneEntity(e *store.Entity) *store.Entity {
	var out store.Entity
	roundTrip(e, &out)
	return &out
}

func cloneEntry(e *store.JournalEntry) *store.JournalEntry {
	var out store.JournalEntry
	roundTrip(e, &out)
	return &out
}

func roundTrip(in, out any) {
	b, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		panic(err)
	}
}
