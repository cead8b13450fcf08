package keybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

const addKeyAttempts = 2

const publicAddWarning = "You should really do this in a direct message, so it's only the bot giving away keys."

// KeyStore implements the key sharing operations: adding, removing,
// searching and claiming keys, and managing which guilds a member
// shares their keys with.
//
// Each mutating operation runs in a single transaction, so a failed
// operation never leaves partial changes behind.
type KeyStore struct {
	db       DBI
	parser   *KeyParser
	waitTime time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewKeyStore returns a KeyStore using the given database.
//
// waitTime is the minimum time between claims by the same member.
// If parser is nil, one using [DefaultKeyspace] is used.
func NewKeyStore(
	db DBI,
	parser *KeyParser,
	waitTime time.Duration,
	logger *slog.Logger,
) *KeyStore {
	if parser == nil {
		parser = NewKeyParser(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyStore{
		db:       db,
		parser:   parser,
		waitTime: waitTime,
		logger:   logger.With(loggerNameKey, "keystore"),
		now:      time.Now,
	}
}

// Parser returns the KeyParser used to classify keys
func (s *KeyStore) Parser() *KeyParser {
	return s.parser
}

// WaitTime returns the configured claim cooldown
func (s *KeyStore) WaitTime() time.Duration {
	return s.waitTime
}

// AddKeyResult is returned from a successful [KeyStore.AddKey]
type AddKeyResult struct {
	Key      Key
	Game     Game
	Platform Platform

	// Message confirms the key was added
	Message string

	// Warning is set when the key was submitted somewhere other
	// members could see it
	Warning string
}

// AddKey classifies the token, and stores it as a key for the named game,
// creating the game if needed. public should be true if the key was
// submitted where others could see it (ex: in a guild channel rather than
// a DM).
func (s *KeyStore) AddKey(
	ctx context.Context,
	member MemberInfo,
	token string,
	gameName string,
	public bool,
) (*AddKeyResult, error) {
	logger := contextLoggerOr(ctx, s.logger)

	if NormalizeName(gameName) == "" {
		return nil, ErrMissingGameName
	}
	platform, secret, err := s.parser.Classify(token)
	if err != nil {
		return nil, err
	}

	var result *AddKeyResult
	addKey := func(tx *gorm.DB) error {
		exists, txErr := keyExists(tx, secret)
		if txErr != nil {
			return fmt.Errorf("error checking for duplicate key: %w", txErr)
		}
		if exists {
			return ErrDuplicateKey
		}

		creator, txErr := getOrCreateMember(tx, member)
		if txErr != nil {
			return txErr
		}
		game, txErr := getOrCreateGame(tx, gameName)
		if txErr != nil {
			return txErr
		}

		key := Key{
			Key:       secret,
			Platform:  platform,
			CreatorID: creator.ID,
			GameID:    game.ID,
		}
		if txErr = tx.Omit("Creator", "Game").Create(&key).Error; txErr != nil {
			return translateDBError(txErr)
		}
		key.Game = game

		result = &AddKeyResult{
			Key:      key,
			Game:     *game,
			Platform: platform,
			Message: fmt.Sprintf(
				"Key for %q added. Thanks %s!",
				game.PrettyName,
				member.Name,
			),
		}
		if public {
			result.Warning = publicAddWarning
		}
		return nil
	}
	for attempt := 1; ; attempt++ {
		err = s.db.Transaction(ctx, addKey)
		// the game was deleted by a concurrent claim or removal after
		// it was looked up, so the next attempt creates it again
		if attempt < addKeyAttempts && errors.Is(err, gorm.ErrForeignKeyViolated) {
			logger.WarnContext(ctx, "game removed while adding key, retrying", tint.Err(err))
			continue
		}
		break
	}
	if err != nil {
		if !IsUserError(err) {
			logger.ErrorContext(ctx, "error adding key", tint.Err(err))
			return nil, fmt.Errorf("error adding key: %w", err)
		}
		return nil, err
	}
	logger.InfoContext(
		ctx,
		"key added",
		"key", result.Key,
		"game", result.Game,
		"member_id", member.ID,
	)
	return result, nil
}

// RemovedKey is returned from a successful [KeyStore.RemoveKey]
type RemovedKey struct {
	Key         Key
	Game        Game
	GameRemoved bool
}

// RemoveKey deletes one of the member's own keys for the given platform,
// for the game matching query, and returns it. Only keys the member
// contributed are considered.
func (s *KeyStore) RemoveKey(
	ctx context.Context,
	member MemberInfo,
	platformName string,
	query string,
) (*RemovedKey, error) {
	logger := contextLoggerOr(ctx, s.logger)

	platform, err := s.parser.ParsePlatform(platformName)
	if err != nil {
		return nil, err
	}
	if NormalizeName(query) == "" {
		return nil, ErrEmptyQuery
	}

	var result *RemovedKey
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			owner, txErr := getOrCreateMember(tx, member)
			if txErr != nil {
				return txErr
			}
			candidates, txErr := findMemberGameKeys(
				tx,
				owner.ID,
				platform,
				query,
				ClaimCandidateLimit,
			)
			if txErr != nil {
				return txErr
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
				return ErrNotFound
			}
			key := keys[0]
			if txErr = deleteKey(tx, key.ID); txErr != nil {
				return txErr
			}
			gameRemoved, txErr := deleteGameIfEmpty(tx, match.Game.ID)
			if txErr != nil {
				return txErr
			}
			key.Game = &match.Game
			result = &RemovedKey{
				Key:         key,
				Game:        match.Game,
				GameRemoved: gameRemoved,
			}
			return nil
		},
	)
	if err != nil {
		if !IsUserError(err) {
			logger.ErrorContext(ctx, "error removing key", tint.Err(err))
			return nil, fmt.Errorf("error removing key: %w", err)
		}
		return nil, err
	}
	logger.InfoContext(
		ctx,
		"key removed",
		"key", result.Key,
		"game", result.Game,
		"game_removed", result.GameRemoved,
	)
	return result, nil
}

// SearchGames returns up to [SearchResultLimit] games matching the query
// with keys visible to the guild. An empty query matches all games.
func (s *KeyStore) SearchGames(
	ctx context.Context,
	query string,
	guildID string,
) ([]GameKeys, error) {
	return findGameKeys(
		s.db.DB().WithContext(ctx),
		query,
		guildID,
		SearchResultLimit,
	)
}

// BrowseGames returns the given page of games with keys visible to
// the guild, [BrowsePerPage] games per page.
func (s *KeyStore) BrowseGames(
	ctx context.Context,
	guildID string,
	page int,
) (*GamePage, error) {
	return browseGames(
		s.db.DB().WithContext(ctx),
		"",
		guildID,
		page,
		BrowsePerPage,
	)
}

// ShareResult is returned from [KeyStore.ShareGuild] and
// [KeyStore.UnshareGuild]
type ShareResult struct {
	// Changed is false if the member was already (or already not)
	// sharing with the guild
	Changed bool

	// GuildIDs is the member's updated set of shared guilds, sorted
	GuildIDs []string
}

// ShareGuild makes the member's keys visible in the guild
func (s *KeyStore) ShareGuild(
	ctx context.Context,
	member MemberInfo,
	guildID string,
) (*ShareResult, error) {
	return s.updateSharing(ctx, member, guildID, true)
}

// UnshareGuild stops the member's keys from being visible in the guild
func (s *KeyStore) UnshareGuild(
	ctx context.Context,
	member MemberInfo,
	guildID string,
) (*ShareResult, error) {
	return s.updateSharing(ctx, member, guildID, false)
}

func (s *KeyStore) updateSharing(
	ctx context.Context,
	member MemberInfo,
	guildID string,
	share bool,
) (*ShareResult, error) {
	if guildID == "" {
		return nil, fmt.Errorf("guild ID is required")
	}
	result := &ShareResult{}
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			m, err := getOrCreateMember(tx, member)
			if err != nil {
				return err
			}
			if m.SharesWith(guildID) != share {
				update := unshareGuild
				if share {
					update = shareGuild
				}
				result.Changed, err = update(tx, m.ID, guildID)
				if err != nil {
					return err
				}
			}
			result.GuildIDs, err = memberGuildIDs(tx, m.ID)
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	contextLoggerOr(ctx, s.logger).InfoContext(
		ctx,
		"updated sharing",
		"member_id", member.ID,
		"guild_id", guildID,
		"changed", result.Changed,
		"guilds", result.GuildIDs,
	)
	return result, nil
}

// ClaimKey finds the single game matching the query with keys visible
// to the guild, and deletes and returns one of its keys for the platform.
//
// The member must not have claimed a key within the configured wait
// time, unless the key was one they contributed. Exactly one game must
// match the query.
func (s *KeyStore) ClaimKey(
	ctx context.Context,
	member MemberInfo,
	platform string,
	query string,
	guildID string,
) (*ClaimResult, error) {
	logger := contextLoggerOr(ctx, s.logger)
	result, err := s.claimKey(ctx, member, platform, query, guildID)
	if err != nil {
		if IsUserError(err) {
			logger.InfoContext(
				ctx,
				"claim rejected",
				"member_id", member.ID,
				"guild_id", guildID,
				tint.Err(err),
			)
		} else {
			logger.ErrorContext(ctx, "claim failed", tint.Err(err))
		}
		return nil, err
	}
	logger.InfoContext(
		ctx,
		"key claimed",
		"key", result.Key,
		"game", result.Game,
		"member_id", member.ID,
		"guild_id", guildID,
		"self_claim", result.SelfClaim,
	)
	return result, nil
}

// ListMyKeys returns the given page of keys contributed by the member,
// [MyKeysPerPage] keys per page, ordered by game and platform.
func (s *KeyStore) ListMyKeys(
	ctx context.Context,
	memberID string,
	page int,
) (*KeyPage, error) {
	return listMemberKeys(
		s.db.DB().WithContext(ctx),
		memberID,
		page,
		MyKeysPerPage,
	)
}

// NextClaim returns when the member may next claim a key that isn't
// their own, and false if they can claim now.
func (s *KeyStore) NextClaim(member Member) (time.Time, bool) {
	last, ok := member.LastClaimTime()
	if !ok {
		return time.Time{}, false
	}
	if ready, _ := Cooldown(member.LastClaim, s.WaitTime(), s.now()); ready {
		return time.Time{}, false
	}
	return last.Add(s.WaitTime()), true
}

// GetMember returns the member with the given ID, with guild links
// loaded, or nil if the member hasn't been seen.
func (s *KeyStore) GetMember(ctx context.Context, memberID string) (*Member, error) {
	var members []Member
	err := s.db.DB().WithContext(ctx).
		Preload("Guilds").
		Where("id = ?", memberID).
		Limit(1).
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	return &members[0], nil
}
