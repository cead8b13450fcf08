package keybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

func TestCooldown(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	wait := time.Hour

	tests := []struct {
		name      string
		lastClaim int64
		ready     bool
		remaining time.Duration
	}{
		{name: "never claimed", lastClaim: 0, ready: true},
		{name: "just claimed", lastClaim: now.UnixMilli(), remaining: time.Hour},
		{
			name:      "half way",
			lastClaim: now.Add(-30 * time.Minute).UnixMilli(),
			remaining: 30 * time.Minute,
		},
		{name: "exactly the wait time", lastClaim: now.Add(-time.Hour).UnixMilli()},
		{
			name:      "past the wait time",
			lastClaim: now.Add(-time.Hour - time.Millisecond).UnixMilli(),
			ready:     true,
		},
		{name: "long ago", lastClaim: now.Add(-72 * time.Hour).UnixMilli(), ready: true},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				ready, remaining := Cooldown(tc.lastClaim, wait, now)
				assert.Equal(t, tc.ready, ready)
				assert.Equal(t, tc.remaining, remaining)
			},
		)
	}
}

// claimFixture has alice's steam and playstation keys for "Hades"
// shared with testGuildID
func claimFixture(t *testing.T) *KeyStore {
	t.Helper()
	s := newTestKeyStore(t)
	addTestKey(t, s, testAlice, "ABCDE-FGHIJ-KLMNO", "Hades")
	addTestKey(t, s, testAlice, "ABCDE-FGHIJ-KLMNP", "Hades")
	addTestKey(t, s, testAlice, "ABCD-EFGH-IJKL", "Hades")
	shareTestGuild(t, s, testAlice, testGuildID)
	return s
}

func TestKeyStore_ClaimKey(t *testing.T) {
	t.Parallel()
	s := claimFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	result, err := s.ClaimKey(ctx, testBob, "steam", "hades", testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "ABCDE-FGHIJ-KLMNO", result.Key.Key, "oldest key is claimed first")
	assert.Equal(t, "Hades", result.Game.PrettyName)
	assert.Equal(t, PlatformSteam, result.Platform)
	assert.False(t, result.SelfClaim)
	assert.False(t, result.GameRemoved)

	member, err := s.GetMember(ctx, testBob.ID)
	require.NoError(t, err)
	require.NotNil(t, member)
	assert.Equal(t, now.UnixMilli(), member.LastClaim)
	lastClaim, ok := member.LastClaimTime()
	assert.True(t, ok)
	assert.True(t, lastClaim.Equal(now))

	var keyCount int64
	require.NoError(
		t,
		s.db.DB().Model(&Key{}).Where("key = ?", result.Key.Key).Count(&keyCount).Error,
	)
	assert.Zero(t, keyCount, "claimed key is deleted")

	t.Run(
		"cooldown", func(t *testing.T) {
			s.now = func() time.Time { return now.Add(20 * time.Minute) }
			_, claimErr := s.ClaimKey(ctx, testBob, "steam", "hades", testGuildID)
			var cooldown *CooldownError
			require.ErrorAs(t, claimErr, &cooldown)
			require.ErrorIs(t, claimErr, ErrCooldownActive)
			assert.Equal(t, 40*time.Minute, cooldown.Remaining)

			// the failed claim didn't touch the keys
			games, searchErr := s.SearchGames(ctx, "hades", testGuildID)
			require.NoError(t, searchErr)
			require.Len(t, games, 1)
			assert.Equal(t, 1, games[0].Count(PlatformSteam))
		},
	)

	t.Run(
		"after cooldown", func(t *testing.T) {
			s.now = func() time.Time { return now.Add(time.Hour + time.Second) }
			claimed, claimErr := s.ClaimKey(ctx, testBob, "steam", "hades", testGuildID)
			require.NoError(t, claimErr)
			assert.Equal(t, "ABCDE-FGHIJ-KLMNP", claimed.Key.Key)
			assert.False(t, claimed.GameRemoved, "playstation key remains")
		},
	)

	t.Run(
		"platform unavailable", func(t *testing.T) {
			s.now = func() time.Time { return now.Add(3 * time.Hour) }
			_, claimErr := s.ClaimKey(ctx, testBob, "steam", "hades", testGuildID)
			var unavailable *PlatformUnavailableError
			require.ErrorAs(t, claimErr, &unavailable)
			require.ErrorIs(t, claimErr, ErrPlatformUnavailable)
			assert.Equal(t, PlatformSteam, unavailable.Platform)
			assert.Equal(t, []Platform{PlatformPlayStation}, unavailable.Available)
			assert.Equal(t, "Hades", unavailable.Game.PrettyName)

			member, memberErr := s.GetMember(ctx, testBob.ID)
			require.NoError(t, memberErr)
			assert.Equal(
				t,
				now.Add(time.Hour+time.Second).UnixMilli(),
				member.LastClaim,
				"failed claims don't start a cooldown",
			)
		},
	)

	t.Run(
		"last key removes the game", func(t *testing.T) {
			s.now = func() time.Time { return now.Add(3 * time.Hour) }
			claimed, claimErr := s.ClaimKey(ctx, testBob, "PlayStation", "HADES", testGuildID)
			require.NoError(t, claimErr)
			assert.True(t, claimed.GameRemoved)

			var games int64
			require.NoError(t, s.db.DB().Model(&Game{}).Count(&games).Error)
			assert.Zero(t, games)

			s.now = func() time.Time { return now.Add(10 * time.Hour) }
			_, claimErr = s.ClaimKey(ctx, testBob, "steam", "hades", testGuildID)
			require.ErrorIs(t, claimErr, ErrNotFound)
		},
	)
}

func TestKeyStore_ClaimKeyValidation(t *testing.T) {
	t.Parallel()
	s := claimFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		platform string
		query    string
		guildID  string
		wantErr  error
	}{
		{name: "invalid platform", platform: "xbox", query: "hades", guildID: testGuildID, wantErr: ErrInvalidPlatform},
		{name: "empty query", platform: "steam", query: "", guildID: testGuildID, wantErr: ErrEmptyQuery},
		{name: "punctuation query", platform: "steam", query: "?!", guildID: testGuildID, wantErr: ErrEmptyQuery},
		{name: "no match", platform: "steam", query: "celeste", guildID: testGuildID, wantErr: ErrNotFound},
		{name: "not shared with guild", platform: "steam", query: "hades", guildID: testOtherGuildID, wantErr: ErrNotFound},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				_, err := s.ClaimKey(ctx, testBob, tc.platform, tc.query, tc.guildID)
				require.ErrorIs(t, err, tc.wantErr)
				assert.True(t, IsUserError(err))
			},
		)
	}

	member, err := s.GetMember(ctx, testBob.ID)
	require.NoError(t, err)
	assert.Nil(t, member, "failed claims are rolled back entirely")
}

func TestKeyStore_ClaimKeyAmbiguous(t *testing.T) {
	t.Parallel()
	s := newTestKeyStore(t)
	ctx := context.Background()

	addTestKey(t, s, testAlice, "ABCD-EFGH-IJKL", "Dark Souls")
	addTestKey(t, s, testAlice, "ABCDE-FGHIJ-KLMNO", "Dark Souls III")
	addTestKey(t, s, testAlice, "ABCD-EFGH-IJKM", "Dark Souls II")
	shareTestGuild(t, s, testAlice, testGuildID)

	_, err := s.ClaimKey(ctx, testBob, "playstation", "dark souls", testGuildID)
	var ambiguous *AmbiguousMatchError
	require.ErrorAs(t, err, &ambiguous)
	require.Len(t, ambiguous.Candidates, ClaimCandidateLimit)
	assert.Equal(t, "Dark Souls", ambiguous.Candidates[0].Game.PrettyName)
	assert.Equal(t, []Platform{PlatformPlayStation}, ambiguous.Candidates[0].Platforms())
	assert.Contains(t, err.Error(), "Dark Souls III")

	result, err := s.ClaimKey(ctx, testBob, "steam", "souls iii", testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "Dark Souls III", result.Game.PrettyName)
}

func TestKeyStore_SelfClaim(t *testing.T) {
	t.Parallel()
	s := claimFixture(t)
	ctx := context.Background()

	result, err := s.ClaimKey(ctx, testAlice, "steam", "hades", testGuildID)
	require.NoError(t, err)
	assert.True(t, result.SelfClaim)

	// self-claims don't start the cooldown
	result, err = s.ClaimKey(ctx, testAlice, "steam", "hades", testGuildID)
	require.NoError(t, err)
	assert.True(t, result.SelfClaim)

	member, err := s.GetMember(ctx, testAlice.ID)
	require.NoError(t, err)
	assert.Zero(t, member.LastClaim)
	_, ok := member.LastClaimTime()
	assert.False(t, ok)

	result, err = s.ClaimKey(ctx, testBob, "playstation", "hades", testGuildID)
	require.NoError(t, err)
	assert.False(t, result.SelfClaim)
	assert.True(t, result.GameRemoved)

	// the cooldown is checked before the key is chosen, so it applies
	// to claiming your own keys too
	addTestKey(t, s, testBob, "WXYZ-WXYZ-WXYZ", "Celeste")
	shareTestGuild(t, s, testBob, testGuildID)
	_, err = s.ClaimKey(ctx, testBob, "playstation", "celeste", testGuildID)
	require.ErrorIs(t, err, ErrCooldownActive)
}

func TestKeyStore_ClaimKeyCooldownBlocksBeforeSearch(t *testing.T) {
	t.Parallel()
	s := claimFixture(t)
	ctx := context.Background()

	_, err := s.ClaimKey(ctx, testBob, "playstation", "hades", testGuildID)
	require.NoError(t, err)

	// cooldown is checked before the query is validated
	_, err = s.ClaimKey(ctx, testBob, "xbox", "", testGuildID)
	require.ErrorIs(t, err, ErrCooldownActive)
}

func TestKeyStore_ClaimKeyConcurrent(t *testing.T) {
	t.Parallel()
	s := newTestKeyStore(t)
	ctx := context.Background()

	addTestKey(t, s, testAlice, "ABCD-EFGH-IJKL", "Celeste")
	shareTestGuild(t, s, testAlice, testGuildID)

	claimants := 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes []*ClaimResult
	var failures []error

	for n := 0; n < claimants; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			member := MemberInfo{
				ID:   fmt.Sprintf("31%016d", n),
				Name: fmt.Sprintf("claimant%d", n),
			}
			result, err := s.ClaimKey(ctx, member, "playstation", "celeste", testGuildID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			successes = append(successes, result)
		}(n)
	}
	wg.Wait()

	require.Len(t, successes, 1, "exactly one claim succeeds")
	assert.Equal(t, "ABCD-EFGH-IJKL", successes[0].Key.Key)
	require.Len(t, failures, claimants-1)
	for _, err := range failures {
		assert.True(t, errors.Is(err, ErrNotFound), "unexpected error: %v", err)
	}
}

func TestKeyStore_ClaimKeySameMemberConcurrent(t *testing.T) {
	t.Parallel()
	s := newTestKeyStore(t)
	ctx := context.Background()

	for n := 0; n < 4; n++ {
		addTestKey(t, s, testAlice, fmt.Sprintf("ABCD-EFGH-%04d", n), "Celeste")
	}
	shareTestGuild(t, s, testAlice, testGuildID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes int
	var cooldowns int

	for n := 0; n < 4; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimKey(ctx, testBob, "playstation", "celeste", testGuildID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrCooldownActive):
				cooldowns++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 3, cooldowns)

	games, err := s.SearchGames(ctx, "celeste", testGuildID)
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, 3, games[0].Count(PlatformPlayStation))
}

func TestKeyStore_NextClaim(t *testing.T) {
	t.Parallel()
	s := claimFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, ok := s.NextClaim(Member{ID: testBob.ID})
	assert.False(t, ok, "never claimed")

	_, err := s.ClaimKey(ctx, testBob, "steam", "hades", testGuildID)
	require.NoError(t, err)
	member, err := s.GetMember(ctx, testBob.ID)
	require.NoError(t, err)

	next, ok := s.NextClaim(*member)
	require.True(t, ok)
	assert.True(t, next.Equal(now.Add(s.WaitTime())))

	s.now = func() time.Time { return now.Add(s.WaitTime() + time.Millisecond) }
	_, ok = s.NextClaim(*member)
	assert.False(t, ok, "cooldown elapsed")
}
