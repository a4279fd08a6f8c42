// Package sync drives the per-principal synchronization cycle: refresh the
// credential, capture wallet balances, drain the deferred retry set, walk the
// unseen ledger suffix, persist, and advance the cursor. Principals are
// independent; one failing never blocks the rest of the cycle.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/howpoorru/howpoorru/internal/esi"
	"github.com/howpoorru/howpoorru/internal/journal"
	"github.com/howpoorru/howpoorru/internal/metrics"
	"github.com/howpoorru/howpoorru/internal/resolve"
	"github.com/howpoorru/howpoorru/internal/store"
)

// ESI scopes gating wallet access.
const (
	ScopeCharacterWallet   = "esi-wallet.read_character_wallet.v1"
	ScopeCorporationWallet = "esi-wallet.read_corporation_wallets.v1"
)

// Per-principal outcomes of one cycle.
const (
	outcomeCompleted = "completed"
	outcomeSkipped   = "skipped"
)

// defaultJournalInterval throttles the journal walk; wallet balances still
// refresh every cycle.
const defaultJournalInterval = time.Hour

// UpstreamClient is the slice of the upstream API the orchestrator needs on
// top of what the page walker already uses.
type UpstreamClient interface {
	journal.LedgerClient
	CharacterWallet(ctx context.Context, token string, characterID int64) (float64, error)
	CorporationWallets(ctx context.Context, token string, corporationID int64) ([]esi.DivisionBalance, error)
}

// TokenRefresher returns a bundle fresh enough for a full cycle, reporting
// whether it changed and must be persisted.
type TokenRefresher interface {
	Refresh(ctx context.Context, b store.TokenBundle) (store.TokenBundle, bool, error)
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Entities store.EntityStore
	Journal  store.JournalStore
	API      UpstreamClient
	Tokens   TokenRefresher
	Resolver *resolve.Resolver
	Metrics  *metrics.Set
	Log      zerolog.Logger
}

// Options tune the cycle; zero values take defaults.
type Options struct {
	JournalInterval time.Duration
	Now             func() time.Time
}

type Syncer struct {
	entities store.EntityStore
	journals store.JournalStore
	api      UpstreamClient
	tokens   TokenRefresher
	res      *resolve.Resolver
	dec      *journal.Decoder
	walker   *journal.Walker
	metrics  *metrics.Set
	log      zerolog.Logger

	journalInterval time.Duration
	now             func() time.Time
}

func New(d Deps, opts Options) *Syncer {
	if opts.JournalInterval == 0 {
		opts.JournalInterval = defaultJournalInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	dec := journal.NewDecoder(d.Resolver, d.API, d.Log)
	return &Syncer{
		entities:        d.Entities,
		journals:        d.Journal,
		api:             d.API,
		tokens:          d.Tokens,
		res:             d.Resolver,
		dec:             dec,
		walker:          journal.NewWalker(d.API, dec, d.Resolver, d.Log),
		metrics:         d.Metrics,
		log:             d.Log,
		journalInterval: opts.JournalInterval,
		now:             opts.Now,
	}
}

// SyncCharacters runs one personal-wallet cycle over every principal holding
// a credential.
func (s *Syncer) SyncCharacters(ctx context.Context) error {
	log := s.log.With().Str("job", "characters").Str("run", uuid.NewString()).Logger()
	started := s.now()

	principals, err := s.entities.ListPrincipals(ctx, false)
	if err != nil {
		return fmt.Errorf("sync characters: list principals: %w", err)
	}
	log.Info().Int("principals", len(principals)).Msg("character sync cycle started")

	for _, e := range principals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		plog := log.With().Int64("character", e.ID).Logger()
		outcome := s.syncCharacter(ctx, plog, e, false)
		s.metrics.Principals.WithLabelValues("characters", outcome).Inc()
	}

	s.metrics.JobDuration.WithLabelValues("characters").Observe(s.now().Sub(started).Seconds())
	log.Info().Dur("duration", s.now().Sub(started)).Msg("character sync cycle finished")
	return nil
}

// syncCharacter runs one principal's personal cycle. force bypasses the
// journal throttle for one-off refreshes.
func (s *Syncer) syncCharacter(ctx context.Context, log zerolog.Logger, e *store.Entity, force bool) string {
	// scope gate first: a skipped principal must not spend an SSO exchange
	// or have its stored bundle rotated
	if !e.HasScope(ScopeCharacterWallet) {
		log.Debug().Msg("no character wallet scope, skipping")
		return outcomeSkipped
	}
	token, err := s.freshToken(ctx, e)
	if err != nil {
		log.Warn().Err(err).Msg("token refresh failed, skipping principal this cycle")
		return outcomeSkipped
	}

	balance, err := s.api.CharacterWallet(ctx, token, e.ID)
	if err != nil {
		log.Error().Err(err).Msg("wallet balance fetch failed, abandoning principal this cycle")
		return outcomeSkipped
	}
	if err := s.entities.SetWallet(ctx, e.ID, balance); err != nil {
		log.Error().Err(err).Msg("wallet balance store failed")
	}

	if !force && !s.journalDue(e) {
		return outcomeCompleted
	}
	if err := s.syncJournal(ctx, log, e, 0, token); err != nil {
		log.Error().Err(err).Msg("personal journal sync failed")
		return outcomeCompleted
	}
	if err := s.entities.SetLastJournalSync(ctx, e.ID, s.now()); err != nil {
		log.Error().Err(err).Msg("journal sync timestamp store failed")
	}
	return outcomeCompleted
}

// syncJournal walks one wallet division from the owner's cursor, drains its
// deferred retry set, and persists everything before the cursor advances so
// an interrupted cycle re-fetches rather than skips.
func (s *Syncer) syncJournal(ctx context.Context, log zerolog.Logger, owner *store.Entity, division int, token string) error {
	carried := s.retryDeferred(ctx, log, owner, division, token)

	cursor := owner.Cursor(division)
	result, err := s.walker.Walk(ctx, owner, division, token, cursor)
	if err != nil {
		// keep what the retry pass already shrank
		if serr := s.entities.SetDeferred(ctx, owner.ID, division, carried); serr != nil {
			log.Error().Err(serr).Int("division", division).Msg("deferred set store failed")
		}
		return err
	}

	for i := len(result.Entries) - 1; i >= 0; i-- {
		if err := s.journals.Upsert(ctx, result.Entries[i]); err != nil {
			return fmt.Errorf("persist journal entry %d: %w", result.Entries[i].ID, err)
		}
	}
	s.metrics.Entries.Add(float64(len(result.Entries)))

	deferred := append(carried, result.Deferred...)
	if err := s.entities.SetDeferred(ctx, owner.ID, division, deferred); err != nil {
		return fmt.Errorf("store deferred set for %d/%d: %w", owner.ID, division, err)
	}
	if result.Cursor > cursor {
		if err := s.entities.SetCursor(ctx, owner.ID, division, result.Cursor); err != nil {
			return fmt.Errorf("advance cursor for %d/%d: %w", owner.ID, division, err)
		}
	}

	log.Debug().Int("division", division).Int("entries", len(result.Entries)).
		Int("deferred", len(deferred)).Int64("cursor", result.Cursor).Msg("division synced")
	return nil
}

// retryDeferred drains the owner's deferred retry set for a division and
// returns the ids that must stay in it.
func (s *Syncer) retryDeferred(ctx context.Context, log zerolog.Logger, owner *store.Entity, division int, token string) []int64 {
	var keep []int64
	for _, id := range owner.DeferredIDs(division) {
		entry, err := s.journals.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Int64("entry", id).Msg("deferred entry load failed")
			keep = append(keep, id)
			continue
		}
		s.metrics.DeferredRetries.Inc()
		if s.dec.Retry(ctx, entry, owner, division, token) {
			keep = append(keep, id)
			continue
		}
		if err := s.journals.Upsert(ctx, entry); err != nil {
			log.Error().Err(err).Int64("entry", id).Msg("deferred entry store failed")
			keep = append(keep, id)
		}
	}
	return keep
}

// freshToken returns an access token valid for the cycle, persisting the
// bundle when the refresh exchanged it. Failure mutates nothing.
func (s *Syncer) freshToken(ctx context.Context, e *store.Entity) (string, error) {
	if e.Sync == nil || e.Sync.Tokens == nil {
		return "", errors.New("no stored credentials")
	}
	bundle, refreshed, err := s.tokens.Refresh(ctx, *e.Sync.Tokens)
	if err != nil {
		return "", err
	}
	if refreshed {
		if err := s.entities.SetTokens(ctx, e.ID, &bundle); err != nil {
			return "", fmt.Errorf("store refreshed token: %w", err)
		}
		e.Sync.Tokens = &bundle
	}
	return bundle.AccessToken, nil
}

func (s *Syncer) journalDue(e *store.Entity) bool {
	if e.Sync == nil {
		return true
	}
	return s.now().Sub(e.Sync.LastJournalSync) >= s.journalInterval
}
