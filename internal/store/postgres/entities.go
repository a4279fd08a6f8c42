package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/howpoorru/howpoorru/internal/store"
)

// EntityStore implements store.EntityStore on PostgreSQL.
type EntityStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewEntityStore(db *sqlx.DB, timeout time.Duration) *EntityStore {
	return &EntityStore{db: db, timeout: timeout}
}

func (s *EntityStore) Get(ctx context.Context, id int64) (*store.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc []byte
	err := s.db.QueryRowxContext(ctx, `SELECT doc FROM entities WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %d: %w", id, err)
	}
	return unmarshalEntity(doc)
}

// upsertEntityQuery carries the stored sync state over untouched so a
// public-info sweep can never wipe credentials or cursors. The carried value
// must stay an object: a jsonb null under 'sync' would later make jsonb_set
// fail to traverse it, so an absent or null sync collapses to '{}'.
const upsertEntityQuery = `
	INSERT INTO entities (id, kind, name, doc)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO UPDATE SET
		kind = EXCLUDED.kind,
		name = EXCLUDED.name,
		doc  = (EXCLUDED.doc - 'sync') ||
		       jsonb_build_object('sync', COALESCE(NULLIF(entities.doc->'sync', 'null'::jsonb), '{}'::jsonb))
	RETURNING doc`

// Upsert writes the public half of the document, preserving sync state.
func (s *EntityStore) Upsert(ctx context.Context, e *store.Entity) (*store.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entity %d: %w", e.ID, err)
	}

	var out []byte
	if err := s.db.QueryRowxContext(ctx, upsertEntityQuery, e.ID, e.Kind, e.Name, doc).Scan(&out); err != nil {
		return nil, fmt.Errorf("upsert entity %d: %w", e.ID, err)
	}
	return unmarshalEntity(out)
}

func (s *EntityStore) ListPrincipals(ctx context.Context, corporateOnly bool) ([]*store.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT doc FROM entities WHERE doc->'sync'->'tokens' IS NOT NULL`
	if corporateOnly {
		query += ` AND doc->'attrs'->'corporation_id' IS NOT NULL`
	}
	query += ` ORDER BY id`

	return s.selectEntities(ctx, query)
}

func (s *EntityStore) ListKinds(ctx context.Context, kinds ...store.Kind) ([]*store.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return s.selectEntities(ctx,
		`SELECT doc FROM entities WHERE kind = ANY($1) ORDER BY id`, pq.Array(names))
}

func (s *EntityStore) SetTokens(ctx context.Context, id int64, t *store.TokenBundle) error {
	return s.setSyncField(ctx, id, t, "tokens")
}

func (s *EntityStore) SetScopes(ctx context.Context, id int64, scopes string) error {
	return s.setSyncField(ctx, id, scopes, "scopes")
}

func (s *EntityStore) SetWallet(ctx context.Context, id int64, balance float64) error {
	return s.setSyncField(ctx, id, balance, "wallet")
}

func (s *EntityStore) SetDivisionBalances(ctx context.Context, id int64, balances []store.DivisionBalance) error {
	return s.setSyncField(ctx, id, balances, "wallets")
}

func (s *EntityStore) SetCursor(ctx context.Context, id int64, division int, cursor int64) error {
	return s.setSyncField(ctx, id, cursor, "cursors", store.DivisionKey(division))
}

func (s *EntityStore) SetDeferred(ctx context.Context, id int64, division int, ids []int64) error {
	if ids == nil {
		ids = []int64{}
	}
	return s.setSyncField(ctx, id, ids, "deferred", store.DivisionKey(division))
}

func (s *EntityStore) SetLastJournalSync(ctx context.Context, id int64, at time.Time) error {
	return s.setSyncField(ctx, id, at, "last_journal_sync")
}

func (s *EntityStore) TopCharacterByWallet(ctx context.Context) (*store.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT doc FROM entities
		WHERE kind = 'character' AND doc->'sync'->'wallet' IS NOT NULL
		ORDER BY (doc->'sync'->>'wallet')::double precision DESC
		LIMIT 1`

	var doc []byte
	err := s.db.QueryRowxContext(ctx, query).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("top character wallet: %w", err)
	}
	return unmarshalEntity(doc)
}

func (s *EntityStore) TopCorporationByWallets(ctx context.Context) (*store.Entity, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT doc,
		       (SELECT COALESCE(SUM((w->>'balance')::double precision), 0)
		        FROM jsonb_array_elements(doc->'sync'->'wallets') w) AS total
		FROM entities
		WHERE kind = 'corporation'
		  AND jsonb_typeof(doc->'sync'->'wallets') = 'array'
		ORDER BY total DESC
		LIMIT 1`

	var doc []byte
	var total float64
	err := s.db.QueryRowxContext(ctx, query).Scan(&doc, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, store.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("top corporation wallets: %w", err)
	}
	e, err := unmarshalEntity(doc)
	return e, total, err
}

// setSyncField updates one field under doc->'sync' in a single UPDATE, so
// concurrent jobs writing sibling fields cannot lose updates.
func (s *EntityStore) setSyncField(ctx context.Context, id int64, value any, path ...string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal sync field %v: %w", path, err)
	}

	res, err := s.db.ExecContext(ctx, syncFieldQuery(path...), id, raw)
	if err != nil {
		return fmt.Errorf("set sync field %v on %d: %w", path, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *EntityStore) selectEntities(ctx context.Context, query string, args ...any) ([]*store.Entity, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []*store.Entity
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e, err := unmarshalEntity(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func unmarshalEntity(doc []byte) (*store.Entity, error) {
	var e store.Entity
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entity doc: %w", err)
	}
	return &e, nil
}

// syncFieldQuery builds the single-statement UPDATE for one path under
// doc->'sync'. Intermediate objects along the path are created as needed, and
// a jsonb null at any step (left behind by older upserts of entities without
// sync state) is replaced with '{}' so jsonb_set never traverses a scalar.
func syncFieldQuery(path ...string) string {
	full := append([]string{"sync"}, path...)
	expr := "doc"
	for i := 1; i < len(full); i++ {
		prefix := pgPath(full[:i])
		expr = fmt.Sprintf(
			"jsonb_set(%s, %s, COALESCE(NULLIF(doc #> %s, 'null'::jsonb), '{}'::jsonb), true)",
			expr, prefix, prefix)
	}
	return fmt.Sprintf(
		`UPDATE entities SET doc = jsonb_set(%s, %s, $2::jsonb, true) WHERE id = $1`,
		expr, pgPath(full))
}

// pgPath renders a jsonb path literal like '{sync,cursors,0}'.
func pgPath(segs []string) string {
	return "'{" + strings.Join(segs, ",") + "}'"
}
