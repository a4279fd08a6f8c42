// Package stats computes headline figures over the synced data and caches
// them in redis, where the ops surface reads them back without touching the
// primary store.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/howpoorru/howpoorru/internal/store"
)

// Redis hash keys. Each holds one headline figure's fields.
const (
	KeyTopCharacter   = "howpoorru:stats:top_character"
	KeyTopCorporation = "howpoorru:stats:top_corporation"
	KeyTopTransaction = "howpoorru:stats:top_transaction"
)

// topTransactionWindow bounds the "biggest transaction" figure.
const topTransactionWindow = 24 * time.Hour

type Job struct {
	entities store.EntityStore
	journals store.JournalStore
	redis    redis.Cmdable
	log      zerolog.Logger
	now      func() time.Time
}

func NewJob(entities store.EntityStore, journals store.JournalStore, rdb redis.Cmdable, log zerolog.Logger) *Job {
	return &Job{entities: entities, journals: journals, redis: rdb, log: log, now: time.Now}
}

// Run recomputes every figure. An empty store leaves the corresponding key
// untouched; figure failures are independent.
func (j *Job) Run(ctx context.Context) error {
	var failed []string

	if err := j.topCharacter(ctx); err != nil {
		j.log.Error().Err(err).Msg("top character figure failed")
		failed = append(failed, "top_character")
	}
	if err := j.topCorporation(ctx); err != nil {
		j.log.Error().Err(err).Msg("top corporation figure failed")
		failed = append(failed, "top_corporation")
	}
	if err := j.topTransaction(ctx); err != nil {
		j.log.Error().Err(err).Msg("top transaction figure failed")
		failed = append(failed, "top_transaction")
	}

	if len(failed) > 0 {
		return fmt.Errorf("stats: %d figure(s) failed: %v", len(failed), failed)
	}
	return nil
}

func (j *Job) topCharacter(ctx context.Context) error {
	e, err := j.entities.TopCharacterByWallet(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return j.redis.HSet(ctx, KeyTopCharacter,
		"id", strconv.FormatInt(e.ID, 10),
		"name", e.Name,
		"wallet", strconv.FormatFloat(e.Sync.Wallet, 'f', 2, 64),
	).Err()
}

func (j *Job) topCorporation(ctx context.Context) error {
	e, total, err := j.entities.TopCorporationByWallets(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return j.redis.HSet(ctx, KeyTopCorporation,
		"id", strconv.FormatInt(e.ID, 10),
		"name", e.Name,
		"wallet", strconv.FormatFloat(total, 'f', 2, 64),
	).Err()
}

func (j *Job) topTransaction(ctx context.Context) error {
	entry, err := j.journals.TopSince(ctx, j.now().Add(-topTransactionWindow))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	amount := 0.0
	if entry.SecondPartyAmount != nil {
		amount = *entry.SecondPartyAmount
	}
	return j.redis.HSet(ctx, KeyTopTransaction,
		"id", strconv.FormatInt(entry.ID, 10),
		"ref_type", entry.RefType,
		"date", entry.Date.UTC().Format(time.RFC3339),
		"amount", strconv.FormatFloat(amount, 'f', 2, 64),
		"first_party", entry.FirstPartyName,
		"second_party", entry.SecondPartyName,
	).Err()
}

// Figure is one cached headline figure as the ops surface serves it.
type Figure map[string]string

// Snapshot is every cached figure. Missing keys come back as empty maps.
type Snapshot struct {
	TopCharacter   Figure `json:"top_character"`
	TopCorporation Figure `json:"top_corporation"`
	TopTransaction Figure `json:"top_transaction"`
}

// Snapshot reads the cached figures back.
func (j *Job) Snapshot(ctx context.Context) (*Snapshot, error) {
	s := &Snapshot{}
	for key, dst := range map[string]*Figure{
		KeyTopCharacter:   &s.TopCharacter,
		KeyTopCorporation: &s.TopCorporation,
		KeyTopTransaction: &s.TopTransaction,
	} {
		fields, err := j.redis.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("stats: read %s: %w", key, err)
		}
		*dst = fields
	}
	return s, nil
}
