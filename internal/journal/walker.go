package journal

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/howpoorru/howpoorru/internal/esi"
	"github.com/howpoorru/howpoorru/internal/resolve"
	"github.com/howpoorru/howpoorru/internal/store"
)

// Walker fetches the unseen suffix of one principal's ledger and normalizes
// each new row.
type Walker struct {
	api LedgerClient
	dec *Decoder
	res *resolve.Resolver
	log zerolog.Logger
}

func NewWalker(api LedgerClient, dec *Decoder, res *resolve.Resolver, log zerolog.Logger) *Walker {
	return &Walker{api: api, dec: dec, res: res, log: log}
}

// Result is one completed walk. Entries are strictly newest-first; Cursor is
// the id the owner's high-water mark should advance to once they are
// persisted; Deferred lists entry ids whose context enrichment must be
// retried next cycle.
type Result struct {
	Entries  []*store.JournalEntry
	Cursor   int64
	Deferred []int64
}

// Walk pages through the ledger for one principal (division 0 is the
// personal wallet) until it reaches rows at or below cursor. Pagination is an
// explicit loop: fetch the next page only while more pages exist and the
// oldest row seen so far is still newer than the cursor, which bounds the
// walk to the unseen suffix regardless of total ledger depth.
func (w *Walker) Walk(ctx context.Context, owner *store.Entity, division int, token string, cursor int64) (*Result, error) {
	var rows []esi.JournalRow
	for page := 1; ; page++ {
		var (
			pageRows []esi.JournalRow
			pages    int
			err      error
		)
		if division == 0 {
			pageRows, pages, err = w.api.CharacterJournal(ctx, token, owner.ID, page)
		} else {
			pageRows, pages, err = w.api.CorporationJournal(ctx, token, owner.ID, division, page)
		}
		if err != nil {
			return nil, fmt.Errorf("journal page %d for %d/%d: %w", page, owner.ID, division, err)
		}
		rows = append(rows, pageRows...)
		if len(pageRows) == 0 || page >= pages || pageRows[len(pageRows)-1].ID <= cursor {
			break
		}
	}

	result := &Result{Cursor: cursor}
	for i := range rows {
		raw := &rows[i]
		if raw.ID <= cursor {
			// rows are newest-first; everything past here is synced
			break
		}
		entry := w.label(raw, owner, division)
		w.resolveParties(ctx, entry)
		if raw.ContextID != 0 && raw.ContextIDType != "" {
			if w.dec.Decode(ctx, entry, raw.ContextID, raw.ContextIDType, owner, division, token) {
				result.Deferred = append(result.Deferred, entry.ID)
			}
		}
		result.Entries = append(result.Entries, entry)
	}
	if len(result.Entries) > 0 {
		result.Cursor = result.Entries[0].ID
	}
	return result, nil
}

// label assigns the row's amount and balance to the probed principal's
// perspective and mirrors the signed amount onto the opposite party.
func (w *Walker) label(raw *esi.JournalRow, owner *store.Entity, division int) *store.JournalEntry {
	e := &store.JournalEntry{
		ID:            raw.ID,
		RefType:       raw.RefType,
		Date:          raw.Date.UTC(),
		Description:   raw.Description,
		Reason:        raw.Reason,
		FirstPartyID:  raw.FirstPartyID,
		SecondPartyID: raw.SecondPartyID,
		TaxReceiverID: raw.TaxReceiverID,
		TaxAmount:     raw.Tax,
	}

	switch {
	case raw.FirstPartyID == owner.ID:
		e.FirstPartyBalance = raw.Balance
		e.FirstPartyDivision = division
		if raw.Amount != nil {
			e.FirstPartyAmount = raw.Amount
			e.SecondPartyAmount = store.Float(-*raw.Amount)
		}

	case raw.SecondPartyID == owner.ID:
		e.SecondPartyBalance = raw.Balance
		e.SecondPartyDivision = division
		if raw.Amount != nil {
			e.SecondPartyAmount = raw.Amount
			e.FirstPartyAmount = store.Float(-*raw.Amount)
		}

	case raw.TaxReceiverID != 0 && raw.TaxReceiverID == owner.ID:
		// tax receipt only: the balance belongs to the receiver, no
		// signed amount is mirrored
		e.TaxReceiverBalance = raw.Balance
		e.TaxReceiverDivision = division

	default:
		w.labelImplicitCorp(raw, e, owner, division)
	}
	return e
}

// labelImplicitCorp handles rows where the probed principal matches no party
// field: a corporate wallet can appear implicitly, with only the amount sign
// telling which side it is on. Anything else is malformed upstream data.
func (w *Walker) labelImplicitCorp(raw *esi.JournalRow, e *store.JournalEntry, owner *store.Entity, division int) {
	w.log.Info().Int64("entry", raw.ID).Int64("entity", owner.ID).
		Msg("journal row matches no party field, assuming implicit corporation perspective")

	amount := 0.0
	if raw.Amount != nil {
		amount = *raw.Amount
	}
	switch {
	case amount < 0:
		// the corporation is paying: it is the first party
		e.SecondPartyAmount = store.Float(math.Abs(amount))
		e.FirstPartyAmount = store.Float(-math.Abs(amount))
		e.FirstPartyCorpID = owner.ID
		e.FirstPartyCorpName = owner.Name
		e.FirstPartyCorpBalance = raw.Balance
		e.FirstPartyCorpDivision = division

	case amount > 0:
		// the corporation is receiving: it is the second party
		e.SecondPartyAmount = store.Float(math.Abs(amount))
		e.FirstPartyAmount = store.Float(-math.Abs(amount))
		e.SecondPartyCorpID = owner.ID
		e.SecondPartyCorpName = owner.Name
		e.SecondPartyCorpBalance = raw.Balance
		e.SecondPartyCorpDivision = division

	default:
		w.log.Error().Int64("entry", raw.ID).Int64("entity", owner.ID).
			Msg("implicit corporation row with zero amount, cannot assign a side")
	}
	if division == 0 && amount != 0 {
		w.log.Error().Int64("entry", raw.ID).Int64("entity", owner.ID).
			Msg("implicit corporation row on a personal wallet, malformed upstream data")
	}
}

// resolveParties enriches the party and tax receiver ids with names and
// kinds. Resolution failures leave the raw ids in place; they never fail the
// walk.
func (w *Walker) resolveParties(ctx context.Context, e *store.JournalEntry) {
	if e.FirstPartyID != 0 {
		if p, err := w.res.Party(ctx, e.FirstPartyID); err == nil {
			e.FirstPartyName = p.Name
			e.FirstPartyKind = p.Kind
		} else if !errors.Is(err, resolve.ErrUnresolved) {
			w.log.Error().Err(err).Int64("party", e.FirstPartyID).Msg("first party resolution failed")
		}
	}
	if e.SecondPartyID != 0 {
		if p, err := w.res.Party(ctx, e.SecondPartyID); err == nil {
			e.SecondPartyName = p.Name
			e.SecondPartyKind = p.Kind
		} else if !errors.Is(err, resolve.ErrUnresolved) {
			w.log.Error().Err(err).Int64("party", e.SecondPartyID).Msg("second party resolution failed")
		}
	}
	if e.TaxReceiverID != 0 {
		if p, err := w.res.Party(ctx, e.TaxReceiverID); err == nil {
			e.TaxReceiverName = p.Name
		} else if !errors.Is(err, resolve.ErrUnresolved) {
			w.log.Error().Err(err).Int64("party", e.TaxReceiverID).Msg("tax receiver resolution failed")
		}
	}
}
