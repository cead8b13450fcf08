package keybot

import (
	"fmt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"strings"
	"time"
)

// getOrCreateMember returns the Member with the given ID, creating it if
// it doesn't exist. An existing member's name is refreshed when a
// non-empty name is given. The member's guild links are loaded.
func getOrCreateMember(tx *gorm.DB, info MemberInfo) (*Member, error) {
	if info.ID == "" {
		return nil, fmt.Errorf("member ID is required")
	}
	onConflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
	}
	if info.Name == "" {
		onConflict.DoNothing = true
	} else {
		onConflict.DoUpdates = clause.AssignmentColumns(
			[]string{columnMemberName, "updated_at"},
		)
	}

	m := &Member{ID: info.ID, Name: info.Name}
	if err := tx.Clauses(onConflict).Create(m).Error; err != nil {
		return nil, fmt.Errorf("error saving member %s: %w", info.ID, err)
	}

	member := &Member{}
	if err := tx.Preload("Guilds").Where("id = ?", info.ID).First(member).Error; err != nil {
		return nil, fmt.Errorf("error loading member %s: %w", info.ID, err)
	}
	return member, nil
}

// findGameByName returns the Game with the given normalized name, or
// nil if there isn't one.
func findGameByName(tx *gorm.DB, name string) (*Game, error) {
	var games []Game
	err := tx.Where(columnGameName+" = ?", name).Limit(1).Find(&games).Error
	if err != nil {
		return nil, err
	}
	if len(games) == 0 {
		return nil, nil
	}
	return &games[0], nil
}

// getOrCreateGame returns the Game matching the normalized form of
// prettyName, inserting it if needed. It must only be called in the same
// transaction that then attaches a Key to the returned game, so a Game is
// never committed without keys.
func getOrCreateGame(tx *gorm.DB, prettyName string) (*Game, error) {
	prettyName = strings.TrimSpace(prettyName)
	name := NormalizeName(prettyName)
	if name == "" {
		return nil, ErrMissingGameName
	}

	game, err := findGameByName(tx, name)
	if err != nil {
		return nil, fmt.Errorf("error looking up game %q: %w", name, err)
	}
	if game != nil {
		return game, nil
	}

	game = &Game{Name: name, PrettyName: prettyName}
	rv := tx.Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnGameName}},
			DoNothing: true,
		},
	).Create(game)
	if rv.Error != nil {
		return nil, fmt.Errorf("error creating game %q: %w", name, rv.Error)
	}
	if rv.RowsAffected == 0 {
		// inserted concurrently
		game, err = findGameByName(tx, name)
		if err != nil {
			return nil, err
		}
		if game == nil {
			return nil, fmt.Errorf("game %q not found after insert", name)
		}
	}
	return game, nil
}

// keyExists returns true if a key with the given secret is stored, for
// any game or platform.
func keyExists(tx *gorm.DB, secret string) (bool, error) {
	var count int64
	err := tx.Model(&Key{}).Where(map[string]any{columnKeyKey: secret}).Count(&count).Error
	return count > 0, err
}

// deleteKey deletes the key with the given ID. If the key was already
// deleted (ex: by a concurrent claim), [ErrNotFound] is returned.
func deleteKey(tx *gorm.DB, keyID uint) error {
	rv := tx.Where("id = ?", keyID).Delete(&Key{})
	if rv.Error != nil {
		return fmt.Errorf("error deleting key %d: %w", keyID, rv.Error)
	}
	if rv.RowsAffected != 1 {
		return ErrNotFound
	}
	return nil
}

// deleteGameIfEmpty deletes the game with the given ID if it has no
// remaining keys, returning true if it was deleted.
//
// On postgres the game row is locked first, so a key being added to the
// game by another transaction is committed (and counted below) before
// the emptiness check runs.
func deleteGameIfEmpty(tx *gorm.DB, gameID uint) (bool, error) {
	lockQuery := tx
	if tx.Dialector.Name() == dbTypePostgres {
		lockQuery = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var games []Game
	if err := lockQuery.Where("id = ?", gameID).Limit(1).Find(&games).Error; err != nil {
		return false, fmt.Errorf("error locking game %d: %w", gameID, err)
	}
	if len(games) == 0 {
		return false, nil
	}

	var remaining int64
	err := tx.Model(&Key{}).Where(columnKeyGameID+" = ?", gameID).Count(&remaining).Error
	if err != nil {
		return false, fmt.Errorf("error counting keys for game %d: %w", gameID, err)
	}
	if remaining > 0 {
		return false, nil
	}

	rv := tx.Where("id = ?", gameID).Delete(&Game{})
	if rv.Error != nil {
		return false, fmt.Errorf("error deleting empty game %d: %w", gameID, rv.Error)
	}
	return rv.RowsAffected > 0, nil
}

// shareGuild links the member to the guild. Returns false if the
// link already existed.
func shareGuild(tx *gorm.DB, memberID string, guildID string) (bool, error) {
	rv := tx.Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: columnGuildMemberID},
				{Name: columnGuildID},
			},
			DoNothing: true,
		},
	).Create(&GuildLink{MemberID: memberID, GuildID: guildID})
	if rv.Error != nil {
		return false, fmt.Errorf("error sharing guild %s: %w", guildID, rv.Error)
	}
	return rv.RowsAffected > 0, nil
}

// unshareGuild removes the member's link to the guild. Returns false if
// there was no link.
func unshareGuild(tx *gorm.DB, memberID string, guildID string) (bool, error) {
	rv := tx.Where(
		columnGuildMemberID+" = ? AND "+columnGuildID+" = ?",
		memberID,
		guildID,
	).Delete(&GuildLink{})
	if rv.Error != nil {
		return false, fmt.Errorf("error unsharing guild %s: %w", guildID, rv.Error)
	}
	return rv.RowsAffected > 0, nil
}

// memberGuildIDs returns the sorted IDs of the guilds the member shares with
func memberGuildIDs(tx *gorm.DB, memberID string) ([]string, error) {
	var ids []string
	err := tx.Model(&GuildLink{}).
		Where(columnGuildMemberID+" = ?", memberID).
		Order(columnGuildID+" ASC").
		Pluck(columnGuildID, &ids).Error
	return ids, err
}

// sharingMembers returns a subquery selecting the IDs of members
// sharing with the given guild
func sharingMembers(tx *gorm.DB, guildID string) *gorm.DB {
	return tx.Model(&GuildLink{}).
		Select(columnGuildMemberID).
		Where(columnGuildID+" = ?", guildID)
}

// markClaimed sets the member's last claim time to now, if their cooldown
// has elapsed. Returns false if the cooldown was still active (ex: a
// concurrent claim updated it first).
func markClaimed(
	tx *gorm.DB,
	memberID string,
	now time.Time,
	wait time.Duration,
) (bool, error) {
	nowMs := now.UnixMilli()
	rv := tx.Model(&Member{}).
		Where(
			"id = ? AND ("+columnMemberLast+" = 0 OR "+columnMemberLast+" IS NULL OR "+columnMemberLast+" < ?)",
			memberID,
			nowMs-wait.Milliseconds(),
		).
		UpdateColumns(
			map[string]any{
				columnMemberLast: nowMs,
				"updated_at":     nowMs,
			},
		)
	if rv.Error != nil {
		return false, fmt.Errorf("error updating last claim for %s: %w", memberID, rv.Error)
	}
	return rv.RowsAffected == 1, nil
}
