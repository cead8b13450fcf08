//nolint:lll // struct tags can't be split
package keybot

import (
	"log/slog"
	"slices"
	"time"
)

const (
	columnKeyKey        = "key"
	columnKeyPlatform   = "platform"
	columnKeyCreatorID  = "creator_id"
	columnKeyGameID     = "game_id"
	columnGameName      = "name"
	columnGamePretty    = "pretty_name"
	columnMemberName    = "name"
	columnMemberLast    = "last_claim"
	columnGuildMemberID = "member_id"
	columnGuildID       = "guild_id"
)

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// Game is a title keys can be contributed for. Name is the normalized
// lookup key (see [NormalizeName]), PrettyName is the name as it was
// first entered. A Game is deleted along with its last Key.
type Game struct {
	ModelUintID
	Name       string `gorm:"uniqueIndex;not null" json:"name"`
	PrettyName string `gorm:"not null;index" json:"pretty_name"`
	Keys       []Key  `gorm:"constraint:OnDelete:RESTRICT" json:"keys,omitempty"`
}

func (g Game) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(g.ID)),
		slog.String("name", g.Name),
		slog.String("pretty_name", g.PrettyName),
	)
}

// Key is a single redeemable secret (a key, or a URL for the 'url'
// platform), contributed by a [Member] for a [Game]. Key values are
// unique across all games and platforms.
type Key struct {
	ModelUintID
	ModelUnixTime
	Key       string   `gorm:"column:key;uniqueIndex;not null" json:"-"`
	Platform  Platform `gorm:"type:string;not null;index" json:"platform"`
	CreatorID string   `gorm:"not null;index" json:"creator_id"`
	GameID    uint     `gorm:"not null;index" json:"game_id"`
	Creator   *Member  `gorm:"foreignKey:CreatorID" json:"creator,omitempty"`
	Game      *Game    `json:"game,omitempty"`
}

// LogValue omits the key itself
func (k Key) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(k.ID)),
		slog.String("platform", string(k.Platform)),
		slog.String("creator_id", k.CreatorID),
		slog.Uint64("game_id", uint64(k.GameID)),
	)
}

// Member is a Discord user who has added or claimed keys. ID is the
// Discord user ID.
type Member struct {
	ID        string `gorm:"primaryKey" json:"id"`
	Name      string `json:"name"`
	LastClaim int64  `gorm:"not null;default:0" json:"last_claim"`
	ModelUnixTime
	Keys   []Key       `gorm:"foreignKey:CreatorID" json:"-"`
	Guilds []GuildLink `gorm:"constraint:OnDelete:CASCADE" json:"guilds,omitempty"`
}

// LastClaimTime returns LastClaim as a time.Time, and false if the
// member has never claimed a key.
func (m Member) LastClaimTime() (time.Time, bool) {
	if m.LastClaim == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(m.LastClaim).UTC(), true
}

// GuildIDs returns the sorted IDs of the guilds the member shares with
func (m Member) GuildIDs() []string {
	ids := make([]string, 0, len(m.Guilds))
	for _, g := range m.Guilds {
		ids = append(ids, g.GuildID)
	}
	slices.Sort(ids)
	return ids
}

// SharesWith returns true if the member has a link to the given guild
func (m Member) SharesWith(guildID string) bool {
	return slices.ContainsFunc(
		m.Guilds, func(g GuildLink) bool {
			return g.GuildID == guildID
		},
	)
}

func (m Member) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", m.ID),
		slog.String("name", m.Name),
		slog.Int64("last_claim", m.LastClaim),
	)
}

// GuildLink indicates that a [Member] has opted to make their keys
// visible in a Discord guild.
type GuildLink struct {
	ModelUintID
	MemberID  string `gorm:"not null;uniqueIndex:idx_guild_links_member_guild" json:"member_id"`
	GuildID   string `gorm:"not null;uniqueIndex:idx_guild_links_member_guild;index" json:"guild_id"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (GuildLink) TableName() string {
	return "guild_links"
}

// MemberInfo identifies the Discord user making a request
type MemberInfo struct {
	ID   string
	Name string
}
