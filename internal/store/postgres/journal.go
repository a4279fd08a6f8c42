package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/howpoorru/howpoorru/internal/store"
)

// JournalStore implements store.JournalStore on PostgreSQL.
type JournalStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewJournalStore(db *sqlx.DB, timeout time.Duration) *JournalStore {
	return &JournalStore{db: db, timeout: timeout}
}

func (s *JournalStore) Get(ctx context.Context, id int64) (*store.JournalEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc []byte
	err := s.db.QueryRowxContext(ctx, `SELECT doc FROM journal WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get journal entry %d: %w", id, err)
	}
	return unmarshalEntry(doc)
}

// Upsert inserts the entry or merges it into the stored row. The merge runs
// under a row lock so two jobs observing the same upstream row from opposite
// perspectives serialize instead of clobbering.
func (s *JournalStore) Upsert(ctx context.Context, e *store.JournalEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal upsert: %w", err)
	}
	defer tx.Rollback()

	next := e
	var doc []byte
	err = tx.QueryRowxContext(ctx, `SELECT doc FROM journal WHERE id = $1 FOR UPDATE`, e.ID).Scan(&doc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// plain insert below
	case err != nil:
		return fmt.Errorf("lock journal entry %d: %w", e.ID, err)
	default:
		stored, err := unmarshalEntry(doc)
		if err != nil {
			return err
		}
		next = store.MergeEntries(stored, e)
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal journal entry %d: %w", next.ID, err)
	}

	query := `
		INSERT INTO journal (id, ref_type, date, first_party_id, second_party_id, second_party_amount, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			ref_type            = EXCLUDED.ref_type,
			date                = EXCLUDED.date,
			first_party_id      = EXCLUDED.first_party_id,
			second_party_id     = EXCLUDED.second_party_id,
			second_party_amount = EXCLUDED.second_party_amount,
			doc                 = EXCLUDED.doc`

	var amount sql.NullFloat64
	if next.SecondPartyAmount != nil {
		amount = sql.NullFloat64{Float64: *next.SecondPartyAmount, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, query,
		next.ID, next.RefType, next.Date, next.FirstPartyID, next.SecondPartyID, amount, raw); err != nil {
		return fmt.Errorf("upsert journal entry %d: %w", next.ID, err)
	}
	return tx.Commit()
}

func (s *JournalStore) TopSince(ctx context.Context, since time.Time) (*store.JournalEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT doc FROM journal
		WHERE date >= $1 AND second_party_amount IS NOT NULL
		ORDER BY second_party_amount DESC
		LIMIT 1`

	var doc []byte
	err := s.db.QueryRowxContext(ctx, query, since).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("top journal entry: %w", err)
	}
	return unmarshalEntry(doc)
}

func unmarshalEntry(doc []byte) (*store.JournalEntry, error) {
	var e store.JournalEntry
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("unmarshal journal doc: %w", err)
	}
	return &e, nil
}
