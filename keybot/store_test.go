package keybot

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

// envTestPostgresDSN names a postgres database the tests may drop and
// recreate tables in. Tests needing it are skipped when it isn't set.
const envTestPostgresDSN = "KB_TEST_POSTGRES_DSN"

func TestDeleteGameIfEmpty(t *testing.T) {
	t.Parallel()
	s := newTestKeyStore(t)
	ctx := context.Background()
	added := addTestKey(t, s, testAlice, "ABCDE-FGHIJ-KLMNO", "Hades")
	db := s.db.DB().WithContext(ctx)

	deleted, err := deleteGameIfEmpty(db, added.Game.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "game still has a key")

	err = db.Where("id = ?", added.Game.ID).Delete(&Game{}).Error
	require.Error(t, err, "a game can't be deleted out from under its keys")

	var keyCount int64
	require.NoError(t, db.Model(&Key{}).Count(&keyCount).Error)
	assert.EqualValues(t, 1, keyCount)

	require.NoError(t, deleteKey(db, added.Key.ID))
	deleted, err = deleteGameIfEmpty(db, added.Game.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = deleteGameIfEmpty(db, added.Game.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "already gone")
}

func setupTestPostgresDB(t *testing.T) *KeyStore {
	t.Helper()
	dsn := os.Getenv(envTestPostgresDSN)
	if dsn == "" {
		t.Skipf("%s not set", envTestPostgresDSN)
	}
	ctx := context.Background()
	db, err := CreateDB(ctx, dbTypePostgres, dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrator().DropTable(models...))
	require.NoError(t, migrate(ctx, db))
	t.Cleanup(
		func() {
			_ = db.Migrator().DropTable(models...)
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewKeyStore(
		NewDatabase(db, nil, true),
		nil,
		time.Hour,
		slog.New(tint.NewHandler(defaultLogWriter, &tint.Options{Level: slog.LevelWarn})),
	)
}

// A key added while the game's last key is being claimed must survive,
// or the add must fail. It can never be reported as added and then lost.
func TestAddKeyDuringLastClaim_Postgres(t *testing.T) {
	s := setupTestPostgresDB(t)
	ctx := context.Background()
	shareTestGuild(t, s, testAlice, testGuildID)

	for round := 0; round < 25; round++ {
		gameName := fmt.Sprintf("Race %03d", round)
		addTestKey(t, s, testAlice, fmt.Sprintf("AAAAA-BBBBB-%05d", round), gameName)
		newKey := fmt.Sprintf("CCCCC-DDDDD-%05d", round)
		claimant := MemberInfo{ID: fmt.Sprintf("4000000000000%05d", round), Name: "claimant"}

		var wg sync.WaitGroup
		var added *AddKeyResult
		var addErr, claimErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			added, addErr = s.AddKey(ctx, testAlice, newKey, gameName, false)
		}()
		go func() {
			defer wg.Done()
			_, claimErr = s.ClaimKey(ctx, claimant, "steam", gameName, testGuildID)
		}()
		wg.Wait()

		assert.NoError(t, claimErr, gameName)
		if addErr != nil {
			t.Logf("%s: add failed: %v", gameName, addErr)
			continue
		}

		var keyCount, gameCount int64
		db := s.db.DB().WithContext(ctx)
		require.NoError(t, db.Model(&Key{}).Where("key = ?", newKey).Count(&keyCount).Error)
		assert.EqualValues(t, 1, keyCount, "%s: added key was lost", gameName)
		require.NoError(t, db.Model(&Game{}).Where("id = ?", added.Key.GameID).Count(&gameCount).Error)
		assert.EqualValues(t, 1, gameCount, "%s: key's game was deleted", gameName)
	}
}
