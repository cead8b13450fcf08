package keybot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"time"
)

// ClaimResult is returned from a successful claim
type ClaimResult struct {
	// Key is the claimed (and now deleted) key, including its secret
	Key Key

	// Game is the game the key was for
	Game Game

	Platform Platform

	// SelfClaim is true if the claimant contributed the key. Self-claims
	// don't count towards the claim cooldown.
	SelfClaim bool

	// GameRemoved is true if this was the game's last key
	GameRemoved bool
}

// Cooldown returns whether a member whose last claim was at lastClaim
// (unix milliseconds, 0 for never) may claim again at now, and if not,
// how long they have to wait.
func Cooldown(lastClaim int64, wait time.Duration, now time.Time) (
	ready bool,
	remaining time.Duration,
) {
	if lastClaim == 0 {
		return true, 0
	}
	elapsed := now.Sub(time.UnixMilli(lastClaim))
	if elapsed > wait {
		return true, 0
	}
	return false, wait - elapsed
}

// claimKey runs the claim workflow in a single transaction. Any error
// rolls back the transaction, so nothing is changed on failure.
func (s *KeyStore) claimKey(
	ctx context.Context,
	member MemberInfo,
	platformName string,
	query string,
	guildID string,
) (*ClaimResult, error) {
	var result *ClaimResult
	now := s.now().UTC()

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			claimant, err := getOrCreateMember(tx, member)
			if err != nil {
				return err
			}

			if ready, remaining := Cooldown(claimant.LastClaim, s.waitTime, now); !ready {
				return &CooldownError{Remaining: remaining}
			}

			platform, err := s.parser.ParsePlatform(platformName)
			if err != nil {
				return err
			}

			if NormalizeName(query) == "" {
				return ErrEmptyQuery
			}

			candidates, err := findGameKeys(tx, query, guildID, ClaimCandidateLimit)
			if err != nil {
				return err
			}
			switch len(candidates) {
			case 0:
				return ErrNotFound
			case 1:
			default:
				return &AmbiguousMatchError{Candidates: candidates}
			}

			match := candidates[0]
			keys := match.Keys[platform]
			if len(keys) == 0 {
				return &PlatformUnavailableError{
					Game:      match.Game,
					Platform:  platform,
					Available: match.Platforms(),
				}
			}
			key := keys[0]

			if err = deleteKey(tx, key.ID); err != nil {
				return err
			}
			gameRemoved, err := deleteGameIfEmpty(tx, match.Game.ID)
			if err != nil {
				return err
			}

			selfClaim := key.CreatorID == claimant.ID
			if !selfClaim {
				updated, updateErr := markClaimed(tx, claimant.ID, now, s.waitTime)
				if updateErr != nil {
					return updateErr
				}
				if !updated {
					// a concurrent claim by the same member won
					_, remaining := Cooldown(now.UnixMilli(), s.waitTime, now)
					return &CooldownError{Remaining: remaining}
				}
			}

			key.Game = &match.Game
			result = &ClaimResult{
				Key:         key,
				Game:        match.Game,
				Platform:    platform,
				SelfClaim:   selfClaim,
				GameRemoved: gameRemoved,
			}
			return nil
		},
	)
	if err != nil {
		if !IsUserError(err) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("error claiming key: %w", err)
		}
		return nil, err
	}
	return result, nil
}
