// Package journal turns raw upstream ledger rows into normalized, signed,
// multi-party journal entries: the page walker bounds each sync to the unseen
// suffix of the ledger, and the context decoder interprets the polymorphic
// cause reference attached to a row.
package journal

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/howpoorru/howpoorru/internal/esi"
	"github.com/howpoorru/howpoorru/internal/resolve"
	"github.com/howpoorru/howpoorru/internal/store"
)

// Context kind tags used by the upstream ledger.
const (
	ctxCharacter   = "character_id"
	ctxCorporation = "corporation_id"
	ctxSystem      = "system_id"
	ctxEveSystem   = "eve_system"
	ctxTypeID      = "type_id"
	ctxStation     = "station_id"
	ctxMarketTx    = "market_transaction_id"
	ctxLocation    = "location_id"
	ctxItem        = "item"
)

// noOpContextID is a reserved upstream value: some rows carry a market
// transaction context of 1 that never corresponds to a real transaction.
const noOpContextID = 1

// LedgerClient is the slice of the upstream API the walker and decoder need.
type LedgerClient interface {
	CharacterJournal(ctx context.Context, token string, characterID int64, page int) ([]esi.JournalRow, int, error)
	CorporationJournal(ctx context.Context, token string, corporationID int64, division, page int) ([]esi.JournalRow, int, error)
	CharacterTransactions(ctx context.Context, token string, characterID, fromID int64) ([]esi.WalletTransaction, error)
	CorporationTransactions(ctx context.Context, token string, corporationID int64, division int, fromID int64) ([]esi.WalletTransaction, error)
}

// Decoder interprets a row's context reference and decorates the entry with
// resolved names. It never fails a row; enrichment that is not yet available
// upstream is deferred to a later cycle.
type Decoder struct {
	res *resolve.Resolver
	api LedgerClient
	log zerolog.Logger
}

func NewDecoder(res *resolve.Resolver, api LedgerClient, log zerolog.Logger) *Decoder {
	return &Decoder{res: res, api: api, log: log}
}

// Decode attaches the decoded context to entry and reports whether the entry
// id must join the owner's deferred retry set for this division.
func (d *Decoder) Decode(ctx context.Context, entry *store.JournalEntry, ctxID int64, ctxKind string, owner *store.Entity, division int, token string) (deferred bool) {
	switch ctxKind {
	case ctxCharacter, ctxCorporation:
		d.attachEntity(ctx, entry, ctxID, ctxKind, d.res.Party)

	case ctxSystem:
		d.attachEntity(ctx, entry, ctxID, ctxKind, d.res.System)

	// The upstream sometimes tags item types as "eve_system", notably for
	// ship-related rows; both tags resolve through the type endpoint.
	case ctxEveSystem, ctxTypeID:
		d.attachEntity(ctx, entry, ctxID, ctxKind, d.res.Item)

	case ctxStation:
		d.attachEntity(ctx, entry, ctxID, ctxKind, d.res.Station)

	case ctxMarketTx:
		if ctxID == noOpContextID {
			entry.Context = rawContext(ctxID, ctxKind)
			return true
		}
		if !d.MarketTransaction(ctx, entry, ctxID, owner, division, token) {
			entry.Context = rawContext(ctxID, ctxKind)
			return true
		}

	default:
		// unrecognized tag: keep the raw reference untouched
		entry.Context = rawContext(ctxID, ctxKind)
	}
	return false
}

// Retry re-attempts context enrichment for a previously deferred entry, using
// the raw reference the entry was persisted with. Reports whether the entry
// must stay in the retry set.
func (d *Decoder) Retry(ctx context.Context, entry *store.JournalEntry, owner *store.Entity, division int, token string) bool {
	if len(entry.Context) == 0 {
		return false
	}
	ref := entry.Context[0]
	if ref.Kind == ctxMarketTx && ref.ID == noOpContextID {
		// reserved value, nothing will ever resolve it; one deferral
		// cycle is enough
		return false
	}
	return d.Decode(ctx, entry, ref.ID, ref.Kind, owner, division, token)
}

// MarketTransaction performs the second, independently paginated lookup a
// market context needs: the owner's transaction detail list is scanned for
// the matching transaction id. On a match the entry gains unit price,
// quantity, and location and item sub-contexts; escrow refunds that name the
// same party twice get the real counter-party substituted. Returns false when
// the transaction is not visible upstream yet.
func (d *Decoder) MarketTransaction(ctx context.Context, entry *store.JournalEntry, ctxID int64, owner *store.Entity, division int, token string) bool {
	var (
		txs []esi.WalletTransaction
		err error
	)
	if division == 0 {
		txs, err = d.api.CharacterTransactions(ctx, token, owner.ID, ctxID)
	} else {
		txs, err = d.api.CorporationTransactions(ctx, token, owner.ID, division, ctxID)
	}
	if err != nil {
		d.log.Error().Err(err).Int64("entity", owner.ID).Int64("transaction", ctxID).
			Msg("error getting market transaction detail")
		return false
	}

	for _, tx := range txs {
		if tx.TransactionID < ctxID {
			// list is ordered descending, the target cannot follow
			break
		}
		if tx.TransactionID != ctxID {
			continue
		}

		entry.UnitPrice = store.Float(tx.UnitPrice)
		entry.Quantity = store.Int32(tx.Quantity)
		entry.Context = []store.ContextRef{
			{ID: ctxID, Kind: ctxMarketTx},
			{ID: tx.LocationID, Kind: ctxLocation},
			{ID: tx.TypeID, Kind: ctxItem},
		}

		if item, err := d.res.Item(ctx, tx.TypeID); err == nil {
			entry.Context[2].Name = item.Name
		}
		if loc, err := d.res.Station(ctx, tx.LocationID); err == nil {
			entry.Context[1].Name = loc.Name
			entry.Context[1].Kind = string(loc.Kind)
			entry.Context[1].TypeID = loc.Attrs.TypeID
		}

		// An escrow refund lists the owner on both sides; the detail
		// record knows the actual counter-party.
		if entry.RefType == "market_escrow" && entry.FirstPartyID == entry.SecondPartyID {
			entry.SecondPartyID = tx.ClientID
			entry.SecondPartyName = ""
			entry.SecondPartyKind = ""
			if p, err := d.res.Party(ctx, tx.ClientID); err == nil {
				entry.SecondPartyName = p.Name
				entry.SecondPartyKind = p.Kind
			}
		}
		return true
	}

	d.log.Info().Int64("transaction", ctxID).Int64("entity", owner.ID).
		Msg("market transaction not in detail list yet, probably cache timing, will retry")
	return false
}

// attachEntity resolves a context id through fn and attaches name, kind, and
// (for stations) the icon type id. Unresolvable ids keep the raw reference.
func (d *Decoder) attachEntity(ctx context.Context, entry *store.JournalEntry, ctxID int64, ctxKind string, fn func(context.Context, int64) (*store.Entity, error)) {
	e, err := fn(ctx, ctxID)
	if err != nil {
		if !errors.Is(err, resolve.ErrUnresolved) {
			d.log.Error().Err(err).Int64("context", ctxID).Str("kind", ctxKind).Msg("context resolution failed")
		}
		entry.Context = rawContext(ctxID, ctxKind)
		return
	}
	ref := store.ContextRef{ID: e.ID, Kind: string(e.Kind), Name: e.Name}
	if e.Kind == store.KindStation {
		ref.TypeID = e.Attrs.TypeID
	}
	entry.Context = []store.ContextRef{ref}
}

func rawContext(id int64, kind string) []store.ContextRef {
	return []store.ContextRef{{ID: id, Kind: kind}}
}
