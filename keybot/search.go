package keybot

import (
	"fmt"
	"gorm.io/gorm"
	"slices"
	"strings"
)

const (
	SearchResultLimit   = 15
	BrowsePerPage       = 20
	MyKeysPerPage       = 15
	ClaimCandidateLimit = 3
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike escapes LIKE wildcards, for use with ESCAPE '\'
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// GameKeys is a game along with its keys visible to a guild, grouped
// by platform. Keys for each platform are ordered by ID.
type GameKeys struct {
	Game Game
	Keys map[Platform][]Key
}

// Platforms returns the platforms the game has keys for, sorted
func (g GameKeys) Platforms() []Platform {
	platforms := make([]Platform, 0, len(g.Keys))
	for p, keys := range g.Keys {
		if len(keys) > 0 {
			platforms = append(platforms, p)
		}
	}
	slices.Sort(platforms)
	return platforms
}

// Count returns the number of keys available for the platform
func (g GameKeys) Count(p Platform) int {
	return len(g.Keys[p])
}

// GameListing is a game along with the number of keys visible to a
// guild, per platform.
type GameListing struct {
	Game      Game             `json:"game"`
	Platforms map[Platform]int `json:"platforms"`
}

// PlatformNames returns the platforms the game has keys for, sorted
func (g GameListing) PlatformNames() []Platform {
	platforms := make([]Platform, 0, len(g.Platforms))
	for p := range g.Platforms {
		platforms = append(platforms, p)
	}
	slices.Sort(platforms)
	return platforms
}

// pageBounds describes a page of results, where First and Last are
// 1-based positions of the first and last items on the page. Both are
// zero when the page is empty.
type pageBounds struct {
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
	First   int64 `json:"first"`
	Last    int64 `json:"last"`
}

func newPageBounds(page int, perPage int, total int64) pageBounds {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 1
	}
	pb := pageBounds{Page: page, PerPage: perPage, Total: total}

	// pages past the end are empty, checked before the offset is
	// computed so large page numbers can't overflow it
	pageCount := (total + int64(perPage) - 1) / int64(perPage)
	if int64(page) > pageCount {
		return pb
	}
	offset := int64(page-1) * int64(perPage)
	pb.First = offset + 1
	pb.Last = min(offset+int64(perPage), total)
	return pb
}

// offset is the number of items before the page. Only valid when the
// page isn't empty.
func (p pageBounds) offset() int {
	return (p.Page - 1) * p.PerPage
}

// GamePage is a single page of [GameListing]
type GamePage struct {
	pageBounds
	Games []GameListing `json:"games"`
}

// visibleGames returns a query over games with at least one key
// contributed by a member sharing with guildID, whose normalized name
// contains the normalized query. An empty query matches every game.
func visibleGames(tx *gorm.DB, query string, guildID string) *gorm.DB {
	gameIDs := tx.Model(&Key{}).
		Select(columnKeyGameID).
		Where(columnKeyCreatorID+" IN (?)", sharingMembers(tx, guildID))

	q := tx.Model(&Game{}).Where("id IN (?)", gameIDs)
	if name := NormalizeName(query); name != "" {
		q = q.Where(
			columnGameName+` LIKE ? ESCAPE '\'`,
			"%"+escapeLike(name)+"%",
		)
	}
	return q
}

// findGameKeys returns up to limit games matching the query, with their
// keys visible to the guild grouped by platform. Games are ordered by
// their display name.
func findGameKeys(
	tx *gorm.DB,
	query string,
	guildID string,
	limit int,
) ([]GameKeys, error) {
	var games []Game
	err := visibleGames(tx, query, guildID).
		Order(columnGamePretty + " ASC, id ASC").
		Limit(limit).
		Find(&games).Error
	if err != nil {
		return nil, fmt.Errorf("error searching games: %w", err)
	}
	if len(games) == 0 {
		return []GameKeys{}, nil
	}

	gameIDs := make([]uint, 0, len(games))
	for _, g := range games {
		gameIDs = append(gameIDs, g.ID)
	}

	var keys []Key
	err = tx.Where(columnKeyGameID+" IN ?", gameIDs).
		Where(columnKeyCreatorID+" IN (?)", sharingMembers(tx, guildID)).
		Order("id ASC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("error loading keys: %w", err)
	}

	byGame := make(map[uint]map[Platform][]Key, len(games))
	for _, k := range keys {
		platforms, ok := byGame[k.GameID]
		if !ok {
			platforms = map[Platform][]Key{}
			byGame[k.GameID] = platforms
		}
		platforms[k.Platform] = append(platforms[k.Platform], k)
	}

	results := make([]GameKeys, 0, len(games))
	for _, g := range games {
		platforms := byGame[g.ID]
		if platforms == nil {
			platforms = map[Platform][]Key{}
		}
		results = append(results, GameKeys{Game: g, Keys: platforms})
	}
	return results, nil
}

// gameKeyCount is a row of per-game, per-platform key counts
type gameKeyCount struct {
	GameID   uint
	Platform Platform
	Count    int
}

// browseGames returns a page of games matching the query, with the
// number of keys visible to the guild per platform. Total is counted
// with the same filter used by [findGameKeys].
func browseGames(
	tx *gorm.DB,
	query string,
	guildID string,
	page int,
	perPage int,
) (*GamePage, error) {
	var total int64
	if err := visibleGames(tx, query, guildID).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("error counting games: %w", err)
	}

	result := &GamePage{
		pageBounds: newPageBounds(page, perPage, total),
		Games:      []GameListing{},
	}
	if result.First == 0 {
		return result, nil
	}

	var games []Game
	err := visibleGames(tx, query, guildID).
		Order(columnGamePretty + " ASC, id ASC").
		Offset(result.offset()).
		Limit(perPage).
		Find(&games).Error
	if err != nil {
		return nil, fmt.Errorf("error browsing games: %w", err)
	}
	if len(games) == 0 {
		return result, nil
	}

	gameIDs := make([]uint, 0, len(games))
	for _, g := range games {
		gameIDs = append(gameIDs, g.ID)
	}

	var counts []gameKeyCount
	err = tx.Model(&Key{}).
		Select(columnKeyGameID+", "+columnKeyPlatform+", count(*) AS count").
		Where(columnKeyGameID+" IN ?", gameIDs).
		Where(columnKeyCreatorID+" IN (?)", sharingMembers(tx, guildID)).
		Group(columnKeyGameID + ", " + columnKeyPlatform).
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("error counting keys: %w", err)
	}

	byGame := make(map[uint]map[Platform]int, len(games))
	for _, c := range counts {
		if byGame[c.GameID] == nil {
			byGame[c.GameID] = map[Platform]int{}
		}
		byGame[c.GameID][c.Platform] = c.Count
	}

	for _, g := range games {
		platforms := byGame[g.ID]
		if platforms == nil {
			platforms = map[Platform]int{}
		}
		result.Games = append(
			result.Games,
			GameListing{Game: g, Platforms: platforms},
		)
	}
	return result, nil
}

// KeyPage is a single page of a member's own keys
type KeyPage struct {
	pageBounds
	Keys []Key `json:"keys"`
}

// listMemberKeys returns a page of the keys contributed by the member,
// ordered by game then platform.
func listMemberKeys(
	tx *gorm.DB,
	memberID string,
	page int,
	perPage int,
) (*KeyPage, error) {
	var total int64
	err := tx.Model(&Key{}).Where(columnKeyCreatorID+" = ?", memberID).Count(&total).Error
	if err != nil {
		return nil, fmt.Errorf("error counting keys: %w", err)
	}

	result := &KeyPage{
		pageBounds: newPageBounds(page, perPage, total),
		Keys:       []Key{},
	}
	if result.First == 0 {
		return result, nil
	}

	err = tx.Model(&Key{}).
		Select("keys.*").
		Joins("JOIN games ON games.id = keys.game_id").
		Where("keys."+columnKeyCreatorID+" = ?", memberID).
		Order("games." + columnGamePretty + " ASC, keys." + columnKeyPlatform + " ASC, keys.id ASC").
		Offset(result.offset()).
		Limit(perPage).
		Preload("Game").
		Find(&result.Keys).Error
	if err != nil {
		return nil, fmt.Errorf("error listing keys: %w", err)
	}
	return result, nil
}

// findMemberGameKeys returns up to limit games matching the query which
// have keys contributed by the member for the platform. Only the
// member's keys for that platform are included.
func findMemberGameKeys(
	tx *gorm.DB,
	memberID string,
	platform Platform,
	query string,
	limit int,
) ([]GameKeys, error) {
	gameIDs := tx.Model(&Key{}).
		Select(columnKeyGameID).
		Where(columnKeyCreatorID+" = ? AND "+columnKeyPlatform+" = ?", memberID, platform)

	var games []Game
	err := tx.Model(&Game{}).
		Where("id IN (?)", gameIDs).
		Where(columnGameName+` LIKE ? ESCAPE '\'`, "%"+escapeLike(NormalizeName(query))+"%").
		Order(columnGamePretty + " ASC, id ASC").
		Limit(limit).
		Find(&games).Error
	if err != nil {
		return nil, fmt.Errorf("error searching member games: %w", err)
	}

	results := make([]GameKeys, 0, len(games))
	for _, g := range games {
		var keys []Key
		err = tx.Where(
			columnKeyGameID+" = ? AND "+columnKeyCreatorID+" = ? AND "+columnKeyPlatform+" = ?",
			g.ID, memberID, platform,
		).Order("id ASC").Find(&keys).Error
		if err != nil {
			return nil, fmt.Errorf("error loading member keys: %w", err)
		}
		results = append(
			results,
			GameKeys{Game: g, Keys: map[Platform][]Key{platform: keys}},
		)
	}
	return results, nil
}
