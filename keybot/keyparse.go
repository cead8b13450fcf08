package keybot

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Platform identifies the storefront a key redeems on
type Platform string

const (
	PlatformGOG         Platform = "gog"
	PlatformSteam       Platform = "steam"
	PlatformPlayStation Platform = "playstation"
	PlatformOrigin      Platform = "origin"
	PlatformUplay       Platform = "uplay"
	PlatformURL         Platform = "url"
)

var nonWordRuns = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// PlatformFormat describes the key shapes accepted for a single platform.
type PlatformFormat struct {
	Platform Platform
	Title    string
	Patterns []*regexp.Regexp
}

// Keyspace is the ordered platform table used to classify keys. Order
// matters: the first platform with a matching pattern wins.
type Keyspace []PlatformFormat

// groupPattern returns a whole-string matcher for dash-delimited
// alphanumeric groups of the given sizes, ex: groupPattern(5, 5, 5)
// matches "ABCDE-FGHIJ-KLMNO".
func groupPattern(sizes ...int) *regexp.Regexp {
	groups := make([]string, 0, len(sizes))
	for _, n := range sizes {
		groups = append(groups, "[a-zA-Z0-9]{"+strconv.Itoa(n)+"}")
	}
	return regexp.MustCompile("^" + strings.Join(groups, "-") + "$")
}

// DefaultKeyspace returns the built-in platform table.
func DefaultKeyspace() Keyspace {
	return Keyspace{
		{
			Platform: PlatformGOG,
			Title:    "GOG",
			Patterns: []*regexp.Regexp{groupPattern(5, 5, 5, 5)},
		},
		{
			Platform: PlatformSteam,
			Title:    "Steam",
			Patterns: []*regexp.Regexp{
				groupPattern(5, 5, 5),
				groupPattern(5, 5, 5, 5, 5),
			},
		},
		{
			Platform: PlatformPlayStation,
			Title:    "PlayStation",
			Patterns: []*regexp.Regexp{groupPattern(4, 4, 4)},
		},
		{
			Platform: PlatformOrigin,
			Title:    "Origin",
			Patterns: []*regexp.Regexp{groupPattern(4, 4, 4, 4, 4)},
		},
		{
			Platform: PlatformUplay,
			Title:    "Uplay",
			Patterns: []*regexp.Regexp{
				groupPattern(4, 4, 4, 4),
				groupPattern(3, 4, 4, 4, 4),
			},
		},
		{
			Platform: PlatformURL,
			Title:    "URL",
			Patterns: []*regexp.Regexp{regexp.MustCompile(`^http`)},
		},
	}
}

// KeyParser classifies key tokens against a [Keyspace]. It's safe for
// concurrent use, as it's never modified after creation.
type KeyParser struct {
	keyspace Keyspace
	index    map[Platform]PlatformFormat
}

// NewKeyParser returns a KeyParser for the given keyspace. If the keyspace
// is empty, [DefaultKeyspace] is used.
func NewKeyParser(ks Keyspace) *KeyParser {
	if len(ks) == 0 {
		ks = DefaultKeyspace()
	}
	p := &KeyParser{
		keyspace: ks,
		index:    make(map[Platform]PlatformFormat, len(ks)),
	}
	for _, pf := range ks {
		p.index[pf.Platform] = pf
	}
	return p
}

// Classify returns the platform of the first keyspace entry matching
// the whole token, along with the trimmed token. If nothing matches,
// [ErrInvalidKeyFormat] is returned and the token must not be stored.
func (p *KeyParser) Classify(token string) (Platform, string, error) {
	token = strings.TrimSpace(token)
	for _, pf := range p.keyspace {
		for _, pattern := range pf.Patterns {
			if pattern.MatchString(token) {
				return pf.Platform, token, nil
			}
		}
	}
	return "", "", ErrInvalidKeyFormat
}

// ParsePlatform validates a user-supplied platform name.
func (p *KeyParser) ParsePlatform(s string) (Platform, error) {
	platform := Platform(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := p.index[platform]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, s)
	}
	return platform, nil
}

// Platforms returns the known platforms, in evaluation order
func (p *KeyParser) Platforms() []Platform {
	platforms := make([]Platform, 0, len(p.keyspace))
	for _, pf := range p.keyspace {
		platforms = append(platforms, pf.Platform)
	}
	return platforms
}

// Title returns the display name for the platform, falling back
// to the identifier itself.
func (p *KeyParser) Title(platform Platform) string {
	if pf, ok := p.index[platform]; ok && pf.Title != "" {
		return pf.Title
	}
	return string(platform)
}

// NormalizeName returns the canonical lookup form of a game name. Runs of
// anything other than letters, digits and underscores collapse into a
// single underscore, and the result is lowercased and trimmed of
// leading/trailing underscores.
func NormalizeName(text string) string {
	name := nonWordRuns.ReplaceAllString(strings.ToLower(text), "_")
	return strings.Trim(name, "_")
}
