package keybot

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strings"
	"time"
)

const (
	colourDefault           = 0x000000
	colourGreen             = 0x2ecc71
	colourGold              = 0xf1c40f
	colourRed               = 0xe74c3c
	colourLuminousVividPink = 0xe91e63

	defaultEmbedTitle = "Keybot"
)

func newEmbed(text string, colour int, title string) *discordgo.MessageEmbed {
	if title == "" {
		title = defaultEmbedTitle
	}
	return &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       title,
		Description: text,
		Color:       colour,
	}
}

// formatRemaining rounds a cooldown duration for display
func formatRemaining(d time.Duration) string {
	if d < time.Second {
		return "less than a second"
	}
	return d.Round(time.Second).String()
}

// platformList returns the display titles of the platforms, comma-separated
func platformList(parser *KeyParser, platforms []Platform) string {
	titles := make([]string, 0, len(platforms))
	for _, p := range platforms {
		titles = append(titles, parser.Title(p))
	}
	return strings.Join(titles, ", ")
}

// errorEmbed renders a failed command. title is used for errors that
// don't have a specific title of their own, and platform is the
// platform name the member supplied, if any.
func errorEmbed(
	err error,
	parser *KeyParser,
	title string,
	platform string,
) *discordgo.MessageEmbed {
	var ambiguous *AmbiguousMatchError
	var cooldown *CooldownError
	var unavailable *PlatformUnavailableError

	switch {
	case errors.As(err, &ambiguous):
		msg := newEmbed("Please limit your search", colourRed, "Too many games found")
		for _, c := range ambiguous.Candidates {
			msg.Fields = append(
				msg.Fields,
				&discordgo.MessageEmbedField{
					Name:  c.Game.PrettyName,
					Value: valueOrNone(platformList(parser, c.Platforms())),
				},
			)
		}
		return msg
	case errors.As(err, &cooldown):
		return newEmbed(
			fmt.Sprintf(
				"You must wait %s until your next claim",
				formatRemaining(cooldown.Remaining),
			),
			colourRed,
			"Failed to claim",
		)
	case errors.As(err, &unavailable):
		msg := newEmbed(
			fmt.Sprintf(
				"%q has no %s keys",
				unavailable.Game.PrettyName,
				parser.Title(unavailable.Platform),
			),
			colourRed,
			title,
		)
		msg.Fields = append(
			msg.Fields,
			&discordgo.MessageEmbedField{
				Name:  "Available",
				Value: valueOrNone(platformList(parser, unavailable.Available)),
			},
		)
		return msg
	case errors.Is(err, ErrInvalidKeyFormat):
		return newEmbed("Bad key format!", colourRed, title)
	case errors.Is(err, ErrDuplicateKey):
		return newEmbed("Key already exists!", colourGold, title)
	case errors.Is(err, ErrMissingGameName):
		return newEmbed("Game name is required!", colourRed, title)
	case errors.Is(err, ErrInvalidPlatform):
		return newEmbed(
			fmt.Sprintf("%q is not valid platform", platform),
			colourRed,
			title,
		)
	case errors.Is(err, ErrEmptyQuery):
		return newEmbed("Please provide a game to search for", colourDefault, title)
	case errors.Is(err, ErrNotFound):
		return newEmbed("Game not found", colourDefault, title)
	default:
		return newEmbed(DefaultDiscordErrorMessage, colourRed, title)
	}
}

func valueOrNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func addKeyEmbeds(parser *KeyParser, result *AddKeyResult) []*discordgo.MessageEmbed {
	embeds := []*discordgo.MessageEmbed{
		newEmbed(
			result.Message,
			colourGreen,
			fmt.Sprintf("%s Key Added", parser.Title(result.Platform)),
		),
	}
	if result.Warning != "" {
		embeds = append(embeds, newEmbed(result.Warning, colourLuminousVividPink, ""))
	}
	return embeds
}

func removeKeyEmbed(result *RemovedKey) *discordgo.MessageEmbed {
	msg := newEmbed("Please find your key below", colourGreen, "Key removed!")
	msg.Fields = []*discordgo.MessageEmbedField{
		{Name: result.Game.PrettyName, Value: result.Key.Key},
	}
	return msg
}

func claimEmbed(result *ClaimResult) *discordgo.MessageEmbed {
	msg := newEmbed("Please find your key below", colourGreen, "Game claimed!")
	msg.Fields = []*discordgo.MessageEmbedField{
		{Name: result.Game.PrettyName, Value: result.Key.Key},
	}
	return msg
}

func claimNoticeEmbed(result *ClaimResult, memberName string) *discordgo.MessageEmbed {
	return newEmbed(
		fmt.Sprintf("%q claimed by %s. Enjoy!", result.Game.PrettyName, memberName),
		colourDefault,
		"",
	)
}

func searchEmbed(parser *KeyParser, games []GameKeys) *discordgo.MessageEmbed {
	msg := newEmbed(
		fmt.Sprintf("Top %d search results...", SearchResultLimit),
		colourDefault,
		"Search Results",
	)
	if len(games) == 0 {
		msg.Description = "No games found"
		return msg
	}
	for _, g := range games {
		platforms := g.Platforms()
		lines := make([]string, 0, len(platforms))
		for _, p := range platforms {
			lines = append(lines, fmt.Sprintf("%s: %d", parser.Title(p), g.Count(p)))
		}
		msg.Fields = append(
			msg.Fields,
			&discordgo.MessageEmbedField{
				Name:   g.Game.PrettyName,
				Value:  valueOrNone(strings.Join(lines, "\n")),
				Inline: true,
			},
		)
	}
	return msg
}

func showingText(p pageBounds) string {
	return fmt.Sprintf("Showing %d to %d of %d", p.First, p.Last, p.Total)
}

func browseEmbed(parser *KeyParser, page *GamePage) *discordgo.MessageEmbed {
	msg := newEmbed(showingText(page.pageBounds), colourDefault, "Browse Games")
	for _, g := range page.Games {
		platforms := g.PlatformNames()
		counts := make([]string, 0, len(platforms))
		for _, p := range platforms {
			counts = append(counts, fmt.Sprintf("%s: %d", parser.Title(p), g.Platforms[p]))
		}
		msg.Fields = append(
			msg.Fields,
			&discordgo.MessageEmbedField{
				Name:  g.Game.PrettyName,
				Value: valueOrNone(strings.Join(counts, ", ")),
			},
		)
	}
	return msg
}

func myKeysEmbed(parser *KeyParser, page *KeyPage) *discordgo.MessageEmbed {
	msg := newEmbed(showingText(page.pageBounds), colourDefault, "My Keys")
	for _, k := range page.Keys {
		name := "-"
		if k.Game != nil {
			name = k.Game.PrettyName
		}
		msg.Fields = append(
			msg.Fields,
			&discordgo.MessageEmbedField{
				Name:  name,
				Value: parser.Title(k.Platform),
			},
		)
	}
	return msg
}

func shareEmbed(result *ShareResult, memberName string, guildName string) *discordgo.MessageEmbed {
	if !result.Changed {
		return newEmbed(
			fmt.Sprintf("You are already sharing with %s", guildName),
			colourGold,
			"",
		)
	}
	return newEmbed(
		fmt.Sprintf("Thanks %s! Your keys are now available on %s", memberName, guildName),
		colourGreen,
		"",
	)
}

func unshareEmbed(result *ShareResult, memberName string, guildName string) *discordgo.MessageEmbed {
	if !result.Changed {
		return newEmbed(
			fmt.Sprintf("You aren't currently sharing with %s", guildName),
			colourGold,
			"",
		)
	}
	return newEmbed(
		fmt.Sprintf("Thanks %s! You have removed %s from sharing", memberName, guildName),
		colourGreen,
		"",
	)
}
