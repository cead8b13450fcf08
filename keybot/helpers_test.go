package keybot

import (
	"bytes"
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "", truncate("hello", 0))
	assert.Equal(t, "pokém", truncate("pokémon", 5), "counts runes, not bytes")
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()

	type inner struct {
		Level *slog.LevelVar `json:"level"`
	}
	type sample struct {
		Name     string            `json:"name"`
		Token    string            `json:"token" log:"[redacted]"`
		Skipped  string            `json:"-"`
		Empty    string            `json:"empty"`
		Nil      *inner            `json:"nil"`
		Inner    inner             `json:"inner"`
		NoTag    int               `yaml:"no_tag"`
		Labels   map[string]string `json:"labels,omitempty"`
		unexport string
	}

	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelWarn)
	v := structToSlogValue(
		&sample{
			Name:     "keybot",
			Token:    "super-secret",
			Skipped:  "skipped",
			Inner:    inner{Level: lvl},
			NoTag:    3,
			unexport: "hidden",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "keybot", attrs["name"].String())
	assert.Equal(t, "[redacted]", attrs["token"].String())
	assert.Equal(t, int64(3), attrs["NoTag"].Int64())
	assert.NotContains(t, attrs, "Skipped")
	assert.NotContains(t, attrs, "-")
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "nil")
	assert.NotContains(t, attrs, "labels")
	assert.NotContains(t, attrs, "unexport")

	require.Contains(t, attrs, "inner")
	innerAttrs := attrs["inner"].Group()
	require.Len(t, innerAttrs, 1)
	assert.Equal(t, "level", innerAttrs[0].Key)
	assert.Equal(t, "WARN", innerAttrs[0].Value.String())

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))
	assert.Equal(t, slog.AnyValue(nil), structToSlogValue((*sample)(nil)))
	assert.Equal(t, int64(5), structToSlogValue(5).Any())
}

func TestDiscordInteractionOptions(t *testing.T) {
	t.Parallel()
	u := newDiscordUser(t)
	i := newCommandInteraction(
		t, u, testGuildID, DiscordSlashCommandBrowse,
		stringOption(commandOptionGame, "Hades"),
		intOption(commandOptionPage, 3),
	)

	options := discordInteractionOptions(i)
	require.Len(t, options, 2)
	assert.Equal(t, "Hades", optionString(options, commandOptionGame))
	assert.Equal(t, 3, optionInt(options, commandOptionPage, 1))
	assert.Equal(t, "", optionString(options, commandOptionPlatform))
	assert.Equal(t, 1, optionInt(options, "missing", 1))

	options[commandOptionKey] = nil
	assert.Equal(t, "", optionString(options, commandOptionKey))
	assert.Equal(t, 7, optionInt(options, commandOptionKey, 7))
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()
	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)
	assert.Regexp(t, "^[0-9a-f]+$", s)

	other, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)

	odd, err := generateRandomHexString(5)
	require.NoError(t, err)
	assert.Len(t, odd, 6)
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	ctx := context.Background()
	_, ok := ContextLogger(ctx)
	assert.False(t, ok)
	assert.Same(t, fallback, contextLoggerOr(ctx, fallback))
	assert.NotNil(t, contextLoggerOr(ctx, nil))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx = WithLogger(ctx, logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, contextLoggerOr(ctx, fallback))

	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	require.True(t, ok)
	assert.NotNil(t, got)
}

func TestInteractionLogAttrs(t *testing.T) {
	t.Parallel()
	u := newDiscordUser(t)

	dm := newCommandInteraction(t, u, "", DiscordSlashCommandMyKeys)
	attrs := interactionLogAttrs(*dm)
	assert.NotContains(t, attrs, "guild_id")
	assert.Contains(t, attrs, "channel_id")
	assert.Contains(t, attrs, dm.ID)

	guild := newCommandInteraction(t, u, testGuildID, DiscordSlashCommandSearch)
	attrs = interactionLogAttrs(*guild)
	assert.Contains(t, attrs, "guild_id")
	assert.Contains(t, attrs, testGuildID)
	assert.Contains(t, attrs, discordgo.InteractionApplicationCommand.String())
}
