// Package resolve turns bare numeric identifiers into named, typed entities.
// The local store is always consulted first; only unknown ids cost an
// upstream round trip, so resolution is idempotent and cheap in the common
// case.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/howpoorru/howpoorru/internal/esi"
	"github.com/howpoorru/howpoorru/internal/store"
)

// ErrUnresolved means no upstream endpoint recognized the id. Callers keep
// the raw numeric id unenriched; this never fails a sync.
var ErrUnresolved = errors.New("resolve: no entity found")

const dateLayout = "2006-01-02 15:04:05"

// Client is the slice of the upstream API the resolver needs.
type Client interface {
	Character(ctx context.Context, id int64) (esi.CharacterInfo, error)
	Corporation(ctx context.Context, id int64) (esi.CorporationInfo, error)
	Alliance(ctx context.Context, id int64) (esi.AllianceInfo, error)
	AllianceCorporations(ctx context.Context, id int64) ([]int64, error)
	System(ctx context.Context, id int64) (esi.SystemInfo, error)
	Constellation(ctx context.Context, id int64) (esi.ConstellationInfo, error)
	Region(ctx context.Context, id int64) (esi.RegionInfo, error)
	Station(ctx context.Context, id int64) (esi.StationInfo, error)
	ItemType(ctx context.Context, id int64) (esi.TypeInfo, error)
	ItemGroup(ctx context.Context, id int64) (esi.GroupInfo, error)
}

type Resolver struct {
	store store.EntityStore
	api   Client
	log   zerolog.Logger
}

func New(entities store.EntityStore, api Client, log zerolog.Logger) *Resolver {
	return &Resolver{store: entities, api: api, log: log}
}

// Sentinel actors the ledger references without them existing upstream.
// They short-circuit resolution and are never persisted.
var sentinels = map[int64]*store.Entity{
	1: {ID: 1, Kind: store.KindCharacter, Name: "EVE System"},
	2: {ID: 2, Kind: store.KindCorporation, Name: "EVE Central Bank"},
}

// Party resolves a ledger party id of unknown kind: store first, then probe
// the upstream endpoints in a fixed precedence order (character, corporation,
// alliance), stopping at the first success.
func (r *Resolver) Party(ctx context.Context, id int64) (*store.Entity, error) {
	if e, ok := sentinels[id]; ok {
		return e, nil
	}
	if e, err := r.store.Get(ctx, id); err == nil {
		return e, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if e, err := r.RefreshCharacter(ctx, id); err == nil {
		return e, nil
	} else if !esi.IsNotFound(err) {
		return nil, err
	}
	if e, err := r.RefreshCorporation(ctx, id); err == nil {
		return e, nil
	} else if !esi.IsNotFound(err) {
		return nil, err
	}
	if e, err := r.RefreshAlliance(ctx, id); err == nil {
		return e, nil
	} else if !esi.IsNotFound(err) {
		return nil, err
	}

	// Some ledger rows reference reserved actors that no endpoint knows;
	// usually harmless.
	r.log.Info().Int64("id", id).Msg("no character/corporation/alliance found for id")
	return nil, ErrUnresolved
}

// RefreshCharacter fetches a character's public record, upserts it, and
// resolves its corporation and alliance. The upsert happens before the
// fan-out so parent resolution that loops back to this id terminates on the
// store hit.
func (r *Resolver) RefreshCharacter(ctx context.Context, id int64) (*store.Entity, error) {
	info, err := r.api.Character(ctx, id)
	if err != nil {
		return nil, r.fetchErr("character", id, err)
	}
	e, err := r.store.Upsert(ctx, &store.Entity{
		ID:   id,
		Kind: store.KindCharacter,
		Name: info.Name,
		Attrs: store.Attrs{
			Birthday:      info.Birthday.UTC().Format(dateLayout),
			CorporationID: info.CorporationID,
			AllianceID:    info.AllianceID,
		},
	})
	if err != nil {
		return nil, err
	}
	r.ensure(ctx, info.CorporationID, store.KindCorporation)
	r.ensure(ctx, info.AllianceID, store.KindAlliance)
	return e, nil
}

// RefreshCorporation fetches a corporation's public record, upserts it, and
// resolves its CEO and alliance.
func (r *Resolver) RefreshCorporation(ctx context.Context, id int64) (*store.Entity, error) {
	info, err := r.api.Corporation(ctx, id)
	if err != nil {
		return nil, r.fetchErr("corporation", id, err)
	}
	attrs := store.Attrs{
		CEOID:       info.CEOID,
		MemberCount: info.MemberCount,
		TaxRate:     info.TaxRate,
		Ticker:      info.Ticker,
		AllianceID:  info.AllianceID,
	}
	if !info.DateFounded.IsZero() {
		attrs.DateFounded = info.DateFounded.UTC().Format(dateLayout)
	}
	e, err := r.store.Upsert(ctx, &store.Entity{
		ID:    id,
		Kind:  store.KindCorporation,
		Name:  info.Name,
		Attrs: attrs,
	})
	if err != nil {
		return nil, err
	}
	r.ensure(ctx, info.CEOID, store.KindCharacter)
	r.ensure(ctx, info.AllianceID, store.KindAlliance)
	return e, nil
}

// RefreshAlliance fetches an alliance's public record and member list,
// upserts it, and resolves the executor and member corporations.
func (r *Resolver) RefreshAlliance(ctx context.Context, id int64) (*store.Entity, error) {
	info, err := r.api.Alliance(ctx, id)
	if err != nil {
		return nil, r.fetchErr("alliance", id, err)
	}
	corps, err := r.api.AllianceCorporations(ctx, id)
	if err != nil {
		return nil, r.fetchErr("alliance corporations", id, err)
	}
	e, err := r.store.Upsert(ctx, &store.Entity{
		ID:   id,
		Kind: store.KindAlliance,
		Name: info.Name,
		Attrs: store.Attrs{
			Ticker:                info.Ticker,
			DateFounded:           info.DateFounded.UTC().Format(dateLayout),
			ExecutorCorporationID: info.ExecutorCorporationID,
			Corporations:          corps,
		},
	})
	if err != nil {
		return nil, err
	}
	r.ensure(ctx, info.ExecutorCorporationID, store.KindCorporation)
	for _, corpID := range corps {
		r.ensure(ctx, corpID, store.KindCorporation)
	}
	return e, nil
}

// System resolves a solar system, denormalizing its constellation and region
// names so journal consumers never chase the chain again.
func (r *Resolver) System(ctx context.Context, id int64) (*store.Entity, error) {
	if e, err := r.cached(ctx, id); e != nil || err != nil {
		return e, err
	}
	info, err := r.api.System(ctx, id)
	if err != nil {
		return nil, r.fetchErr("system", id, err)
	}
	constellation, err := r.Constellation(ctx, info.ConstellationID)
	if err != nil {
		return nil, err
	}
	return r.store.Upsert(ctx, &store.Entity{
		ID:   id,
		Kind: store.KindSystem,
		Name: info.Name,
		Attrs: store.Attrs{
			SecurityStatus:    info.SecurityStatus,
			ConstellationID:   info.ConstellationID,
			ConstellationName: constellation.Name,
			RegionID:          constellation.Attrs.RegionID,
			RegionName:        constellation.Attrs.RegionName,
			Stations:          info.Stations,
		},
	})
}

// Constellation resolves a constellation, denormalizing its region name.
func (r *Resolver) Constellation(ctx context.Context, id int64) (*store.Entity, error) {
	if e, err := r.cached(ctx, id); e != nil || err != nil {
		return e, err
	}
	info, err := r.api.Constellation(ctx, id)
	if err != nil {
		return nil, r.fetchErr("constellation", id, err)
	}
	region, err := r.Region(ctx, info.RegionID)
	if err != nil {
		return nil, err
	}
	return r.store.Upsert(ctx, &store.Entity{
		ID:   id,
		Kind: store.KindConstellation,
		Name: info.Name,
		Attrs: store.Attrs{
			RegionID:   info.RegionID,
			RegionName: region.Name,
			Systems:    info.Systems,
		},
	})
}

func (r *Resolver) Region(ctx context.Context, id int64) (*store.Entity, error) {
	if e, err := r.cached(ctx, id); e != nil || err != nil {
		return e, err
	}
	info, err := r.api.Region(ctx, id)
	if err != nil {
		return nil, r.fetchErr("region", id, err)
	}
	return r.store.Upsert(ctx, &store.Entity{
		ID:   id,
		Kind: store.KindRegion,
		Name: info.Name,
		Attrs: store.Attrs{
			Description:    info.Description,
			Constellations: info.Constellations,
		},
	})
}

// Station resolves a station and its parent system. Upstream answers 400 for
// player-built structures, which need an authenticated endpoint this system
// does not use; those stay unresolved.
func (r *Resolver) Station(ctx context.Context, id int64) (*store.Entity, error) {
	if e, err := r.cached(ctx, id); e != nil || err != nil {
		return e, err
	}
	info, err := r.api.Station(ctx, id)
	if esi.IsNotFound(err) {
		r.log.Info().Int64("id", id).Msg("no station found, probably a citadel")
		return nil, ErrUnresolved
	}
	if err != nil {
		return nil, fmt.Errorf("resolve station %d: %w", id, err)
	}
	if _, err := r.System(ctx, info.SystemID); err != nil && !errors.Is(err, ErrUnresolved) {
		return nil, err
	}
	return r.store.Upsert(ctx, &store.Entity{
		ID:   id,
		Kind: store.KindStation,
		Name: info.Name,
		Attrs: store.Attrs{
			SystemID: info.SystemID,
			TypeID:   info.TypeID,
		},
	})
}

// Item resolves an item type and its group. Upstream answers 400 for ids that
// are not item types; those stay unresolved.
func (r *Resolver) Item(ctx context.Context, id int64) (*store.Entity, error) {
	if e, err := r.cached(ctx, id); e != nil || err != nil {
		return e, err
	}
	info, err := r.api.ItemType(ctx, id)
	if esi.IsNotFound(err) {
		r.log.Info().Int64("id", id).Msg("no item type found for id")
		return nil, ErrUnresolved
	}
	if err != nil {
		return nil, fmt.Errorf("resolve item %d: %w", id, err)
	}
	if _, err := r.Group(ctx, info.GroupID); err != nil && !errors.Is(err, ErrUnresolved) {
		return nil, err
	}
	return r.store.Upsert(ctx, &store.Entity{
		ID:    id,
		Kind:  store.KindItem,
		Name:  info.Name,
		Attrs: store.Attrs{GroupID: info.GroupID},
	})
}

func (r *Resolver) Group(ctx context.Context, id int64) (*store.Entity, error) {
	if e, err := r.cached(ctx, id); e != nil || err != nil {
		return e, err
	}
	info, err := r.api.ItemGroup(ctx, id)
	if err != nil {
		return nil, r.fetchErr("group", id, err)
	}
	return r.store.Upsert(ctx, &store.Entity{
		ID:    id,
		Kind:  store.KindGroup,
		Name:  info.Name,
		Attrs: store.Attrs{Types: info.Types},
	})
}

// cached returns the stored entity when present, (nil, nil) on a clean miss.
func (r *Resolver) cached(ctx context.Context, id int64) (*store.Entity, error) {
	e, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// ensure resolves a parent reference lazily: a store hit costs nothing, a
// miss triggers the kind-directed refresh. Failures are logged and swallowed;
// a missing parent never fails the resolution that discovered it.
func (r *Resolver) ensure(ctx context.Context, id int64, kind store.Kind) {
	if id == 0 {
		return
	}
	if _, err := r.store.Get(ctx, id); err == nil {
		return
	}
	var err error
	switch kind {
	case store.KindCharacter:
		_, err = r.RefreshCharacter(ctx, id)
	case store.KindCorporation:
		_, err = r.RefreshCorporation(ctx, id)
	case store.KindAlliance:
		_, err = r.RefreshAlliance(ctx, id)
	}
	if err != nil {
		r.log.Error().Err(err).Int64("id", id).Str("kind", string(kind)).Msg("parent resolution failed")
	}
}

func (r *Resolver) fetchErr(what string, id int64, err error) error {
	if !esi.IsNotFound(err) {
		r.log.Error().Err(err).Int64("id", id).Msgf("error getting %s data", what)
	}
	return fmt.Errorf("resolve %s %d: %w", what, id, err)
}
