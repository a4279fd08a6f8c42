package sync

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howpoorru/howpoorru/internal/esi"
	"github.com/howpoorru/howpoorru/internal/metrics"
	"github.com/howpoorru/howpoorru/internal/resolve"
	"github.com/howpoorru/howpoorru/internal/store"
	"github.com/howpoorru/howpoorru/internal/store/memory"
)

// fakeUpstream serves both the wallet/ledger endpoints the orchestrator uses
// and the entity-detail endpoints the resolver probes.
type fakeUpstream struct {
	characters   map[int64]esi.CharacterInfo
	corporations map[int64]esi.CorporationInfo
	alliances    map[int64]esi.AllianceInfo

	rows     []esi.JournalRow         // personal ledger, newest first
	corpRows map[int][]esi.JournalRow // corporate ledger by division
	txs      []esi.WalletTransaction

	wallet         float64
	walletErr      error
	corpWallets    []esi.DivisionBalance
	corpWalletsErr error

	walletCalls  int
	journalCalls int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		characters:   map[int64]esi.CharacterInfo{},
		corporations: map[int64]esi.CorporationInfo{},
		alliances:    map[int64]esi.AllianceInfo{},
		corpRows:     map[int][]esi.JournalRow{},
	}
}

func apiMiss(endpoint string) error {
	return &esi.StatusError{Endpoint: endpoint, Code: http.StatusNotFound}
}

func (f *fakeUpstream) Character(_ context.Context, id int64) (esi.CharacterInfo, error) {
	info, ok := f.characters[id]
	if !ok {
		return info, apiMiss("character")
	}
	return info, nil
}

func (f *fakeUpstream) Corporation(_ context.Context, id int64) (esi.CorporationInfo, error) {
	info, ok := f.corporations[id]
	if !ok {
		return info, apiMiss("corporation")
	}
	return info, nil
}

func (f *fakeUpstream) Alliance(_ context.Context, id int64) (esi.AllianceInfo, error) {
	info, ok := f.alliances[id]
	if !ok {
		return info, apiMiss("alliance")
	}
	return info, nil
}

func (f *fakeUpstream) AllianceCorporations(context.Context, int64) ([]int64, error) {
	return nil, nil
}
func (f *fakeUpstream) System(context.Context, int64) (esi.SystemInfo, error) {
	return esi.SystemInfo{}, apiMiss("system")
}
func (f *fakeUpstream) Constellation(context.Context, int64) (esi.ConstellationInfo, error) {
	return esi.ConstellationInfo{}, apiMiss("constellation")
}
func (f *fakeUpstream) Region(context.Context, int64) (esi.RegionInfo, error) {
	return esi.RegionInfo{}, apiMiss("region")
}
func (f *fakeUpstream) Station(context.Context, int64) (esi.StationInfo, error) {
	return esi.StationInfo{}, apiMiss("station")
}
func (f *fakeUpstream) ItemType(context.Context, int64) (esi.TypeInfo, error) {
	return esi.TypeInfo{}, apiMiss("type")
}
func (f *fakeUpstream) ItemGroup(context.Context, int64) (esi.GroupInfo, error) {
	return esi.GroupInfo{}, apiMiss("group")
}

func (f *fakeUpstream) CharacterWallet(context.Context, string, int64) (float64, error) {
	f.walletCalls++
	if f.walletErr != nil {
		return 0, f.walletErr
	}
	return f.wallet, nil
}

func (f *fakeUpstream) CorporationWallets(context.Context, string, int64) ([]esi.DivisionBalance, error) {
	if f.corpWalletsErr != nil {
		return nil, f.corpWalletsErr
	}
	return f.corpWallets, nil
}

func (f *fakeUpstream) CharacterJournal(_ context.Context, _ string, _ int64, page int) ([]esi.JournalRow, int, error) {
	f.journalCalls++
	if page > 1 {
		return nil, 1, nil
	}
	return f.rows, 1, nil
}

func (f *fakeUpstream) CorporationJournal(_ context.Context, _ string, _ int64, division, page int) ([]esi.JournalRow, int, error) {
	f.journalCalls++
	if page > 1 {
		return nil, 1, nil
	}
	return f.corpRows[division], 1, nil
}

func (f *fakeUpstream) CharacterTransactions(context.Context, string, int64, int64) ([]esi.WalletTransaction, error) {
	return f.txs, nil
}

func (f *fakeUpstream) CorporationTransactions(context.Context, string, int64, int, int64) ([]esi.WalletTransaction, error) {
	return f.txs, nil
}

// fakeTokens hands back a fixed bundle.
type fakeTokens struct {
	bundle    store.TokenBundle
	refreshed bool
	err       error
	calls     int
}

func (f *fakeTokens) Refresh(_ context.Context, b store.TokenBundle) (store.TokenBundle, bool, error) {
	f.calls++
	if f.err != nil {
		return store.TokenBundle{}, false, f.err
	}
	if f.refreshed {
		return f.bundle, true, nil
	}
	return b, false, nil
}

type fixture struct {
	entities *memory.EntityStore
	journals *memory.JournalStore
	api      *fakeUpstream
	tokens   *fakeTokens
	syncer   *Syncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		entities: memory.NewEntityStore(),
		journals: memory.NewJournalStore(),
		api:      newFakeUpstream(),
		tokens:   &fakeTokens{},
	}
	log := zerolog.Nop()
	f.syncer = New(Deps{
		Entities: f.entities,
		Journal:  f.journals,
		API:      f.api,
		Tokens:   f.tokens,
		Resolver: resolve.New(f.entities, f.api, log),
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Log:      log,
	}, Options{JournalInterval: time.Nanosecond})
	return f
}

func seedPrincipal(f *fixture, id int64, scopes string, corpID int64) {
	f.entities.Seed(&store.Entity{
		ID:    id,
		Kind:  store.KindCharacter,
		Name:  "Alice",
		Attrs: store.Attrs{CorporationID: corpID},
		Sync: &store.SyncState{
			Tokens: &store.TokenBundle{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)},
			Scopes: scopes,
		},
	})
}

func donationRow(id int64, firstParty, secondParty int64, amount float64) esi.JournalRow {
	return esi.JournalRow{
		ID:            id,
		RefType:       "player_donation",
		Date:          time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Amount:        store.Float(amount),
		Balance:       store.Float(1000),
		FirstPartyID:  firstParty,
		SecondPartyID: secondParty,
	}
}

func TestSyncCharactersEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPrincipal(f, 10, ScopeCharacterWallet, 0)
	f.api.wallet = 123456.78
	f.api.corporations[200] = esi.CorporationInfo{Name: "Acme", Ticker: "ACME"}
	f.api.rows = []esi.JournalRow{
		donationRow(5, 200, 10, 100), // corp pays the character
		donationRow(4, 10, 200, -50), // character pays the corp
	}

	require.NoError(t, f.syncer.SyncCharacters(ctx))

	// both rows persisted, mirrored
	assert.Equal(t, []int64{4, 5}, f.journals.IDs())
	e5, err := f.journals.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 100.0, *e5.SecondPartyAmount)
	assert.Equal(t, -100.0, *e5.FirstPartyAmount)
	assert.Equal(t, "Acme", e5.FirstPartyName)

	// counter-party 200 was lazily resolved and stored
	corp, err := f.entities.Get(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, store.KindCorporation, corp.Kind)

	// sync state advanced
	owner, err := f.entities.Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), owner.Cursor(0))
	assert.Equal(t, 123456.78, owner.Sync.Wallet)
	assert.False(t, owner.Sync.LastJournalSync.IsZero())
}

func TestSyncCharactersCursorStopsResync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPrincipal(f, 10, ScopeCharacterWallet, 0)
	f.api.rows = []esi.JournalRow{donationRow(5, 10, 20, -50)}
	f.api.characters[20] = esi.CharacterInfo{Name: "Bob", Birthday: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)}

	require.NoError(t, f.syncer.SyncCharacters(ctx))
	require.NoError(t, f.syncer.SyncCharacters(ctx))

	assert.Equal(t, 1, f.journals.Len())
	owner, err := f.entities.Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), owner.Cursor(0))
}

func TestSyncSkipsPrincipalWithoutScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPrincipal(f, 10, "", 0)

	// a rotation here would prove the skip still exchanged the token
	f.tokens.refreshed = true
	f.tokens.bundle = store.TokenBundle{AccessToken: "new-at", RefreshToken: "new-rt", ExpiresAt: time.Now().Add(time.Hour)}

	require.NoError(t, f.syncer.SyncCharacters(ctx))
	assert.Zero(t, f.api.walletCalls)
	assert.Zero(t, f.api.journalCalls)

	// no SSO round-trip was spent and the stored bundle is untouched
	assert.Zero(t, f.tokens.calls)
	owner, err := f.entities.Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "at", owner.Sync.Tokens.AccessToken)
	assert.Equal(t, "rt", owner.Sync.Tokens.RefreshToken)
}

func TestWalletFetchFailureAbandonsCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPrincipal(f, 10, ScopeCharacterWallet, 0)
	f.api.walletErr = errors.New("wallet endpoint is down")
	f.api.rows = []esi.JournalRow{donationRow(5, 10, 20, -50)}

	require.NoError(t, f.syncer.SyncCharacters(ctx))

	// the journal walk never started, so nothing advanced
	assert.Zero(t, f.api.journalCalls)
	owner, err := f.entities.Get(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, owner.Cursor(0))
	assert.True(t, owner.Sync.LastJournalSync.IsZero())
}

func TestSyncSkipsOnTokenRefreshFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPrincipal(f, 10, ScopeCharacterWallet, 0)
	f.tokens.err = errors.New("sso is down")

	require.NoError(t, f.syncer.SyncCharacters(ctx))
	assert.Zero(t, f.api.walletCalls)

	// nothing was mutated
	owner, err := f.entities.Get(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, owner.Sync.Wallet)
	assert.True(t, owner.Sync.LastJournalSync.IsZero())
}

func TestRefreshedTokenIsPersisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPrincipal(f, 10, ScopeCharacterWallet, 0)
	f.tokens.refreshed = true
	f.tokens.bundle = store.TokenBundle{AccessToken: "new-at", RefreshToken: "new-rt", ExpiresAt: time.Now().Add(time.Hour)}

	require.NoError(t, f.syncer.SyncCharacters(ctx))

	owner, err := f.entities.Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "new-at", owner.Sync.Tokens.AccessToken)
	assert.Equal(t, "new-rt", owner.Sync.Tokens.RefreshToken)
}

func TestDeferredRetryConvergence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPrincipal(f, 10, ScopeCharacterWallet, 0)
	f.api.characters[20] = esi.CharacterInfo{Name: "Bob", Birthday: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)}
	row := donationRow(5, 10, 20, -50)
	row.ContextID = 7777
	row.ContextIDType = "market_transaction_id"
	f.api.rows = []esi.JournalRow{row}

	// first cycle: the transaction detail is not visible yet
	require.NoError(t, f.syncer.SyncCharacters(ctx))
	owner, err := f.entities.Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, owner.DeferredIDs(0))

	// the detail shows up before the second cycle
	f.api.txs = []esi.WalletTransaction{
		{TransactionID: 7777, UnitPrice: 5, Quantity: 10, LocationID: 60003760, TypeID: 34, ClientID: 20},
	}
	require.NoError(t, f.syncer.SyncCharacters(ctx))

	owner, err = f.entities.Get(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, owner.DeferredIDs(0))

	entry, err := f.journals.Get(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, entry.UnitPrice)
	assert.Equal(t, 5.0, *entry.UnitPrice)
	assert.Len(t, entry.Context, 3)
}

func TestReservedContextDrainsAfterOneRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPrincipal(f, 10, ScopeCharacterWallet, 0)
	f.api.characters[20] = esi.CharacterInfo{Name: "Bob", Birthday: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)}
	row := donationRow(5, 10, 20, -50)
	row.ContextID = 1
	row.ContextIDType = "market_transaction_id"
	f.api.rows = []esi.JournalRow{row}

	require.NoError(t, f.syncer.SyncCharacters(ctx))
	owner, err := f.entities.Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, owner.DeferredIDs(0))

	require.NoError(t, f.syncer.SyncCharacters(ctx))
	owner, err = f.entities.Get(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, owner.DeferredIDs(0))
}

func TestSyncCorporations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPrincipal(f, 10, ScopeCharacterWallet+" "+ScopeCorporationWallet, 200)
	f.entities.Seed(&store.Entity{ID: 200, Kind: store.KindCorporation, Name: "Acme"})
	f.api.characters[20] = esi.CharacterInfo{Name: "Bob", Birthday: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.api.corpWallets = []esi.DivisionBalance{
		{Division: 1, Balance: 100}, {Division: 2, Balance: 50},
	}
	f.api.corpRows[1] = []esi.JournalRow{donationRow(5, 200, 20, -75)}
	f.api.corpRows[4] = []esi.JournalRow{donationRow(9, 20, 200, 25)}

	require.NoError(t, f.syncer.SyncCorporations(ctx))

	corp, err := f.entities.Get(ctx, 200)
	require.NoError(t, err)
	assert.Len(t, corp.Sync.Wallets, 2)
	assert.Equal(t, int64(5), corp.Cursor(1))
	assert.Equal(t, int64(9), corp.Cursor(4))
	assert.Zero(t, corp.Cursor(3))
	assert.False(t, corp.Sync.LastJournalSync.IsZero())

	e5, err := f.journals.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, e5.FirstPartyDivision)
	assert.Equal(t, "Acme", e5.FirstPartyName)
}

func TestMissingRoleStripsCorporateScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPrincipal(f, 10, ScopeCharacterWallet+" "+ScopeCorporationWallet, 200)
	f.entities.Seed(&store.Entity{ID: 200, Kind: store.KindCorporation, Name: "Acme"})
	f.api.corpWalletsErr = &esi.StatusError{
		Endpoint: "wallets", Code: http.StatusForbidden,
		Message: "Character does not have required role(s)",
	}

	require.NoError(t, f.syncer.SyncCorporations(ctx))

	owner, err := f.entities.Get(ctx, 10)
	require.NoError(t, err)
	assert.False(t, owner.HasScope(ScopeCorporationWallet))
	assert.True(t, owner.HasScope(ScopeCharacterWallet))

	// the next cycle skips before any network call
	require.NoError(t, f.syncer.SyncCorporations(ctx))
	assert.Equal(t, 1, f.tokens.calls)
}

func TestRefreshPublicInfo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.entities.Seed(&store.Entity{ID: 10, Kind: store.KindCharacter, Name: "Old Name"})
	f.entities.Seed(&store.Entity{ID: 200, Kind: store.KindCorporation, Name: "Acme"})
	f.api.characters[10] = esi.CharacterInfo{Name: "New Name", Birthday: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.api.corporations[200] = esi.CorporationInfo{Name: "Acme Holdings"}

	require.NoError(t, f.syncer.RefreshPublicInfo(ctx))

	c, err := f.entities.Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "New Name", c.Name)

	corp, err := f.entities.Get(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, "Acme Holdings", corp.Name)
}

func TestSyncOneIgnoresJournalThrottle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// rebuild with a long throttle that a batch cycle would respect
	log := zerolog.Nop()
	f.syncer = New(Deps{
		Entities: f.entities,
		Journal:  f.journals,
		API:      f.api,
		Tokens:   f.tokens,
		Resolver: resolve.New(f.entities, f.api, log),
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Log:      log,
	}, Options{JournalInterval: 24 * time.Hour})

	f.entities.Seed(&store.Entity{
		ID:   10,
		Kind: store.KindCharacter,
		Name: "Alice",
		Sync: &store.SyncState{
			Tokens:          &store.TokenBundle{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)},
			Scopes:          ScopeCharacterWallet,
			LastJournalSync: time.Now(),
		},
	})
	f.api.characters[10] = esi.CharacterInfo{Name: "Alice", Birthday: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.api.characters[20] = esi.CharacterInfo{Name: "Bob", Birthday: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.api.rows = []esi.JournalRow{donationRow(5, 10, 20, -50)}

	require.NoError(t, f.syncer.SyncOne(ctx, 10))
	assert.Equal(t, 1, f.journals.Len())
}
