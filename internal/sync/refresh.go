package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/howpoorru/howpoorru/internal/esi"
	"github.com/howpoorru/howpoorru/internal/store"
)

// RefreshPublicInfo sweeps every known character, corporation, and alliance
// and re-fetches its public record, so names, memberships, and tax rates do
// not go stale between ledger mentions. Individual failures are logged and
// skipped.
func (s *Syncer) RefreshPublicInfo(ctx context.Context) error {
	log := s.log.With().Str("job", "public_info").Str("run", uuid.NewString()).Logger()
	started := s.now()

	list, err := s.entities.ListKinds(ctx, store.KindCharacter, store.KindCorporation, store.KindAlliance)
	if err != nil {
		return fmt.Errorf("public info refresh: list entities: %w", err)
	}
	log.Info().Int("entities", len(list)).Msg("public info refresh started")

	for _, e := range list {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch e.Kind {
		case store.KindCharacter:
			_, err = s.res.RefreshCharacter(ctx, e.ID)
		case store.KindCorporation:
			_, err = s.res.RefreshCorporation(ctx, e.ID)
		case store.KindAlliance:
			_, err = s.res.RefreshAlliance(ctx, e.ID)
		}
		switch {
		case esi.IsNotFound(err):
			// deleted characters and closed corporations stay known
			// under their last seen record
			log.Info().Int64("id", e.ID).Str("kind", string(e.Kind)).Msg("entity no longer known upstream")
		case err != nil:
			log.Error().Err(err).Int64("id", e.ID).Str("kind", string(e.Kind)).Msg("public info refresh failed")
		default:
			s.metrics.Resolutions.WithLabelValues(string(e.Kind)).Inc()
		}
	}

	s.metrics.JobDuration.WithLabelValues("public_info").Observe(s.now().Sub(started).Seconds())
	log.Info().Dur("duration", s.now().Sub(started)).Msg("public info refresh finished")
	return nil
}

// SyncOne refreshes a single character outside the batch cycle: public record
// plus, when the character holds a credential, an immediate personal and
// corporate wallet pass that ignores the hourly journal throttle.
func (s *Syncer) SyncOne(ctx context.Context, characterID int64) error {
	log := s.log.With().Str("job", "one_off").Int64("character", characterID).Logger()

	e, err := s.res.RefreshCharacter(ctx, characterID)
	if err != nil {
		return fmt.Errorf("one-off refresh of %d: %w", characterID, err)
	}
	if e.Sync == nil || e.Sync.Tokens == nil {
		log.Info().Msg("no stored credentials, public record refreshed only")
		return nil
	}

	outcome := s.syncCharacter(ctx, log, e, true)
	log.Info().Str("outcome", outcome).Msg("personal wallet pass finished")

	if corpID := e.Attrs.CorporationID; corpID != 0 && e.HasScope(ScopeCorporationWallet) {
		outcome = s.syncCorporation(ctx, log.With().Int64("corporation", corpID).Logger(), e, corpID, true)
		log.Info().Str("outcome", outcome).Msg("corporate wallet pass finished")
	}
	return nil
}
