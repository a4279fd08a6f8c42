package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/howpoorru/howpoorru/internal/esi"
	"github.com/howpoorru/howpoorru/internal/store"
)

// Corporate wallets span these divisions; division 0 is the personal wallet
// by convention and never appears here.
const (
	firstDivision = 1
	lastDivision  = 7
)

// SyncCorporations runs one corporate-wallet cycle. The credential belongs to
// a member character; the cursors, balances, and deferred sets live on the
// corporation entity. When several members of one corporation hold a grant
// the corporation is synced once per cycle, on the first usable credential.
func (s *Syncer) SyncCorporations(ctx context.Context) error {
	log := s.log.With().Str("job", "corporations").Str("run", uuid.NewString()).Logger()
	started := s.now()

	principals, err := s.entities.ListPrincipals(ctx, true)
	if err != nil {
		return fmt.Errorf("sync corporations: list principals: %w", err)
	}
	log.Info().Int("principals", len(principals)).Msg("corporation sync cycle started")

	synced := make(map[int64]bool)
	for _, e := range principals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		corpID := e.Attrs.CorporationID
		if corpID == 0 || synced[corpID] {
			continue
		}
		plog := log.With().Int64("character", e.ID).Int64("corporation", corpID).Logger()
		outcome := s.syncCorporation(ctx, plog, e, corpID, false)
		if outcome == outcomeCompleted {
			synced[corpID] = true
		}
		s.metrics.Principals.WithLabelValues("corporations", outcome).Inc()
	}

	s.metrics.JobDuration.WithLabelValues("corporations").Observe(s.now().Sub(started).Seconds())
	log.Info().Dur("duration", s.now().Sub(started)).Msg("corporation sync cycle finished")
	return nil
}

// syncCorporation runs one corporation's cycle on a member's credential.
// Division failures are independent: a failed division leaves only its own
// cursor unmoved. An upstream "missing role" rejection means the member lost
// wallet access in game, so the scope is stripped from the stored grant and
// never retried until a fresh login restores it.
func (s *Syncer) syncCorporation(ctx context.Context, log zerolog.Logger, member *store.Entity, corpID int64, force bool) string {
	if !member.HasScope(ScopeCorporationWallet) {
		log.Debug().Msg("no corporation wallet scope, skipping")
		return outcomeSkipped
	}
	token, err := s.freshToken(ctx, member)
	if err != nil {
		log.Warn().Err(err).Msg("token refresh failed, skipping principal this cycle")
		return outcomeSkipped
	}
	corp, err := s.res.Party(ctx, corpID)
	if err != nil {
		log.Error().Err(err).Msg("corporation resolution failed")
		return outcomeSkipped
	}

	balances, err := s.api.CorporationWallets(ctx, token, corpID)
	switch {
	case esi.IsMissingRole(err):
		s.stripCorpScope(ctx, log, member)
		return outcomeSkipped
	case err != nil:
		log.Error().Err(err).Msg("corporation wallets fetch failed")
		return outcomeSkipped
	}
	stored := make([]store.DivisionBalance, 0, len(balances))
	for _, b := range balances {
		stored = append(stored, store.DivisionBalance{Division: b.Division, Balance: b.Balance})
	}
	if err := s.entities.SetDivisionBalances(ctx, corpID, stored); err != nil {
		log.Error().Err(err).Msg("division balances store failed")
	}

	if !force && !s.journalDue(corp) {
		return outcomeCompleted
	}
	for division := firstDivision; division <= lastDivision; division++ {
		err := s.syncJournal(ctx, log, corp, division, token)
		if esi.IsMissingRole(err) {
			s.stripCorpScope(ctx, log, member)
			return outcomeCompleted
		}
		if err != nil {
			log.Error().Err(err).Int("division", division).Msg("division journal sync failed")
		}
	}
	if err := s.entities.SetLastJournalSync(ctx, corpID, s.now()); err != nil {
		log.Error().Err(err).Msg("journal sync timestamp store failed")
	}
	return outcomeCompleted
}

func (s *Syncer) stripCorpScope(ctx context.Context, log zerolog.Logger, member *store.Entity) {
	log.Warn().Msg("member lacks the corporate wallet role, dropping scope from grant")
	scopes := store.StripScope(member.Sync.Scopes, ScopeCorporationWallet)
	if err := s.entities.SetScopes(ctx, member.ID, scopes); err != nil {
		log.Error().Err(err).Msg("scope store failed")
		return
	}
	member.Sync.Scopes = scopes
}
