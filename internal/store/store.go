package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound keeps store-specific misses consistent across the in-memory and
// postgres implementations.
var ErrNotFound = errors.New("store: not found")

// EntityStore is the document store for the single entity id space.
//
// Upsert merges an entity's public fields (kind, name, attrs) and must leave
// the embedded sync state untouched; the Set* methods update individual sync
// fields atomically so that concurrent jobs writing different fields of the
// same principal never race each other through a read-modify-write cycle.
type EntityStore interface {
	Get(ctx context.Context, id int64) (*Entity, error)
	Upsert(ctx context.Context, e *Entity) (*Entity, error)

	// ListPrincipals returns entities holding a token bundle, the sync
	// jobs' working set. corporateOnly narrows to characters that belong
	// to a corporation.
	ListPrincipals(ctx context.Context, corporateOnly bool) ([]*Entity, error)
	// ListKinds returns all entities of the given kinds, for the public
	// info refresh sweep.
	ListKinds(ctx context.Context, kinds ...Kind) ([]*Entity, error)

	SetTokens(ctx context.Context, id int64, t *TokenBundle) error
	SetScopes(ctx context.Context, id int64, scopes string) error
	SetWallet(ctx context.Context, id int64, balance float64) error
	SetDivisionBalances(ctx context.Context, id int64, balances []DivisionBalance) error
	SetCursor(ctx context.Context, id int64, division int, cursor int64) error
	SetDeferred(ctx context.Context, id int64, division int, ids []int64) error
	SetLastJournalSync(ctx context.Context, id int64, at time.Time) error

	// Statistics queries.
	TopCharacterByWallet(ctx context.Context) (*Entity, error)
	TopCorporationByWallets(ctx context.Context) (*Entity, float64, error)
}

// JournalStore persists ledger rows keyed by their upstream id.
type JournalStore interface {
	Get(ctx context.Context, id int64) (*JournalEntry, error)
	// Upsert inserts the entry or merges it into the stored row with
	// MergeEntries semantics. Persisting identical content twice is a
	// no-op.
	Upsert(ctx context.Context, e *JournalEntry) error
	// TopSince returns the entry with the largest second-party amount
	// dated at or after since.
	TopSince(ctx context.Context, since time.Time) (*JournalEntry, error)
}

// MergeEntries folds a newly observed copy of a ledger row into the stored
// one. Rows are append-only except for the opposite principal's perspective
// fields, which arrive when the same upstream row is seen from the other
// party's ledger, and for context fields completed by a deferred retry.
// Present (non-nil, non-zero) incoming fields win only where the stored row
// has no value yet; enrichment-bearing context replaces a thinner one.
func MergeEntries(stored, incoming *JournalEntry) *JournalEntry {
	out := *stored

	if out.RefType == "" {
		out.RefType = incoming.RefType
	}
	if out.Date.IsZero() {
		out.Date = incoming.Date
	}
	if out.Description == "" {
		out.Description = incoming.Description
	}
	if out.Reason == "" {
		out.Reason = incoming.Reason
	}

	if out.FirstPartyID == 0 {
		out.FirstPartyID = incoming.FirstPartyID
	}
	if out.FirstPartyName == "" {
		out.FirstPartyName = incoming.FirstPartyName
	}
	if out.FirstPartyKind == "" {
		out.FirstPartyKind = incoming.FirstPartyKind
	}
	if out.FirstPartyAmount == nil {
		out.FirstPartyAmount = incoming.FirstPartyAmount
	}
	if out.FirstPartyBalance == nil {
		out.FirstPartyBalance = incoming.FirstPartyBalance
		out.FirstPartyDivision = incoming.FirstPartyDivision
	}

	// An escrow-refund retry can rewrite the second party outright.
	if incoming.SecondPartyID != 0 && incoming.SecondPartyID != out.SecondPartyID {
		out.SecondPartyID = incoming.SecondPartyID
		out.SecondPartyName = incoming.SecondPartyName
		out.SecondPartyKind = incoming.SecondPartyKind
	}
	if out.SecondPartyName == "" {
		out.SecondPartyName = incoming.SecondPartyName
	}
	if out.SecondPartyKind == "" {
		out.SecondPartyKind = incoming.SecondPartyKind
	}
	if out.SecondPartyAmount == nil {
		out.SecondPartyAmount = incoming.SecondPartyAmount
	}
	if out.SecondPartyBalance == nil {
		out.SecondPartyBalance = incoming.SecondPartyBalance
		out.SecondPartyDivision = incoming.SecondPartyDivision
	}

	if out.TaxReceiverID == 0 {
		out.TaxReceiverID = incoming.TaxReceiverID
	}
	if out.TaxReceiverName == "" {
		out.TaxReceiverName = incoming.TaxReceiverName
	}
	if out.TaxReceiverBalance == nil {
		out.TaxReceiverBalance = incoming.TaxReceiverBalance
		out.TaxReceiverDivision = incoming.TaxReceiverDivision
	}
	if out.TaxAmount == nil {
		out.TaxAmount = incoming.TaxAmount
	}

	if out.FirstPartyCorpID == 0 && incoming.FirstPartyCorpID != 0 {
		out.FirstPartyCorpID = incoming.FirstPartyCorpID
		out.FirstPartyCorpName = incoming.FirstPartyCorpName
		out.FirstPartyCorpBalance = incoming.FirstPartyCorpBalance
		out.FirstPartyCorpDivision = incoming.FirstPartyCorpDivision
	}
	if out.SecondPartyCorpID == 0 && incoming.SecondPartyCorpID != 0 {
		out.SecondPartyCorpID = incoming.SecondPartyCorpID
		out.SecondPartyCorpName = incoming.SecondPartyCorpName
		out.SecondPartyCorpBalance = incoming.SecondPartyCorpBalance
		out.SecondPartyCorpDivision = incoming.SecondPartyCorpDivision
	}

	if out.UnitPrice == nil {
		out.UnitPrice = incoming.UnitPrice
	}
	if out.Quantity == nil {
		out.Quantity = incoming.Quantity
	}

	if contextRicher(incoming.Context, out.Context) {
		out.Context = incoming.Context
	}
	return &out
}

// contextRicher reports whether a carries more enrichment than b: more
// references, or the same references with more of them named.
func contextRicher(a, b []ContextRef) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return named(a) > named(b)
}

func named(refs []ContextRef) int {
	n := 0
	for _, r := range refs {
		if r.Name != "" {
			n++
		}
	}
	return n
}
