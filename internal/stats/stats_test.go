package stats

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howpoorru/howpoorru/internal/store"
	"github.com/howpoorru/howpoorru/internal/store/memory"
)

func TestRunWritesFigures(t *testing.T) {
	ctx := context.Background()
	entities := memory.NewEntityStore()
	journals := memory.NewJournalStore()
	rdb, mock := redismock.NewClientMock()

	entities.Seed(&store.Entity{ID: 10, Kind: store.KindCharacter, Name: "Rich", Sync: &store.SyncState{Wallet: 5000000.5}})
	entities.Seed(&store.Entity{ID: 200, Kind: store.KindCorporation, Name: "Acme", Sync: &store.SyncState{
		Wallets: []store.DivisionBalance{{Division: 1, Balance: 100}, {Division: 2, Balance: 23.5}},
	}})

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, journals.Upsert(ctx, &store.JournalEntry{
		ID:                77,
		RefType:           "player_trading",
		Date:              now.Add(-time.Hour),
		FirstPartyName:    "Rich",
		SecondPartyName:   "Acme",
		SecondPartyAmount: store.Float(9000),
	}))

	mock.ExpectHSet(KeyTopCharacter, "id", "10", "name", "Rich", "wallet", "5000000.50").SetVal(3)
	mock.ExpectHSet(KeyTopCorporation, "id", "200", "name", "Acme", "wallet", "123.50").SetVal(3)
	mock.ExpectHSet(KeyTopTransaction,
		"id", "77",
		"ref_type", "player_trading",
		"date", now.Add(-time.Hour).Format(time.RFC3339),
		"amount", "9000.00",
		"first_party", "Rich",
		"second_party", "Acme",
	).SetVal(6)

	job := NewJob(entities, journals, rdb, zerolog.Nop())
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnEmptyStoreWritesNothing(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	job := NewJob(memory.NewEntityStore(), memory.NewJournalStore(), rdb, zerolog.Nop())

	require.NoError(t, job.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotReadsFiguresBack(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.MatchExpectationsInOrder(false)
	mock.ExpectHGetAll(KeyTopCharacter).SetVal(map[string]string{"id": "10", "name": "Rich", "wallet": "5000000.50"})
	mock.ExpectHGetAll(KeyTopCorporation).SetVal(map[string]string{})
	mock.ExpectHGetAll(KeyTopTransaction).SetVal(map[string]string{"id": "77"})

	job := NewJob(memory.NewEntityStore(), memory.NewJournalStore(), rdb, zerolog.Nop())
	snap, err := job.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Rich", snap.TopCharacter["name"])
	assert.Empty(t, snap.TopCorporation)
	assert.Equal(t, "77", snap.TopTransaction["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
