package keybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	outcomeOK            = "ok"
	outcomePong          = "pong"
	outcomeIgnoredBot    = "ignored_bot"
	outcomeUnsupported   = "unsupported"
	outcomeGuildOnly     = "guild_only"
	outcomeRateLimited   = "rate_limited"
	outcomeAckFailed     = "ack_failed"
	outcomeInternalError = "internal_error"
	outcomePanic         = "panic"

	maxOutcomeLength = 200
)

// commandErrorTitles sets the embed title for failures of the given
// commands
var commandErrorTitles = map[string]string{
	DiscordSlashCommandClaim:  "Failed to claim",
	DiscordSlashCommandRemove: "Search Error",
	DiscordSlashCommandSearch: "Search Error",
}

// commandLimiter is a per-member token bucket for slash commands
type commandLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newCommandLimiter returns a commandLimiter allowing burst commands at
// once, refilling one every interval. A burst of 0 disables limiting.
func newCommandLimiter(interval time.Duration, burst int) *commandLimiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &commandLimiter{
		limiters: map[string]*rate.Limiter{},
		limit:    limit,
		burst:    burst,
	}
}

// Allow reports whether the member may run a command now
func (c *commandLimiter) Allow(memberID string) bool {
	if c == nil || c.burst <= 0 {
		return true
	}
	c.mu.Lock()
	limiter, ok := c.limiters[memberID]
	if !ok {
		limiter = rate.NewLimiter(c.limit, c.burst)
		c.limiters[memberID] = limiter
	}
	c.mu.Unlock()
	return limiter.Allow()
}

// commandResult is the rendered outcome of a slash command. The embeds
// replace the deferred response, and followup (if set) is sent as a
// separate, public message.
type commandResult struct {
	embeds   []*discordgo.MessageEmbed
	followup *discordgo.MessageEmbed
}

// handleInteraction processes an incoming Discord interaction, whether
// received via the gateway or the webhook server.
//
// Pings get a pong. Slash commands are acknowledged with a deferred
// response, run against the [KeyStore], and the deferred response is
// then edited with the result. Every interaction is recorded as an
// [InteractionLog].
func (k *KeyBot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil && i.Type != discordgo.InteractionPing {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	ctx = WithLogger(ctx, logger)
	k.metricInteractions.Add(1)

	interactionLog := newInteractionLog(i, discordUser, handler)
	defer func() {
		logCtx := context.WithoutCancel(ctx)
		if _, err := k.writeDB.Create(logCtx, interactionLog); err != nil {
			logger.ErrorContext(logCtx, "error logging interaction", tint.Err(err))
		}
	}()
	defer func() {
		if rc := recover(); rc != nil {
			interactionLog.Outcome = outcomePanic
			k.handleRecover(ctx, rc)
		}
	}()

	switch i.Type {
	case discordgo.InteractionPing:
		interactionLog.Outcome = outcomePong
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		if discordUser.Bot {
			logger.WarnContext(ctx, "user is bot, ignoring", "user_id", discordUser.ID)
			interactionLog.Outcome = outcomeIgnoredBot
			return
		}
		interactionLog.Outcome = k.runCommand(ctx, handler, discordUser)
	default:
		logger.WarnContext(ctx, "unsupported interaction type")
		interactionLog.Outcome = outcomeUnsupported
	}
}

// respondImmediately responds to the interaction with an ephemeral
// message, without deferring
func respondImmediately(
	ctx context.Context,
	handler InteractionHandler,
	embed *discordgo.MessageEmbed,
) {
	_ = handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
				Flags:  discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

// runCommand runs the slash command for the interaction, returning a
// short description of the outcome
func (k *KeyBot) runCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) string {
	i := handler.GetInteraction()
	logger := handler.Logger()
	commandName := i.ApplicationCommandData().Name
	member := memberInfo(i, u)

	logger = logger.With("command", commandName, "member_id", member.ID)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received command")

	if guildOnlyCommands[commandName] && i.GuildID == "" {
		respondImmediately(
			ctx,
			handler,
			newEmbed(DefaultDiscordGuildOnlyMessage, colourGold, ""),
		)
		return outcomeGuildOnly
	}

	if !k.commandLimiter.Allow(member.ID) {
		logger.WarnContext(ctx, "member rate limited")
		respondImmediately(
			ctx,
			handler,
			newEmbed(DefaultDiscordRateLimitMessage, colourGold, ""),
		)
		return outcomeRateLimited
	}

	if err := handler.Respond(ctx, k.discord.ackResponse(commandName)); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return outcomeAckFailed
	}

	options := discordInteractionOptions(i)

	var result *commandResult
	var err error

	switch commandName {
	case DiscordSlashCommandAdd:
		result, err = k.commandAdd(ctx, i, member, options)
	case DiscordSlashCommandRemove:
		result, err = k.commandRemove(ctx, member, options)
	case DiscordSlashCommandSearch:
		result, err = k.commandSearch(ctx, i, options)
	case DiscordSlashCommandBrowse:
		result, err = k.commandBrowse(ctx, i, options)
	case DiscordSlashCommandShare:
		result, err = k.commandShare(ctx, i, member)
	case DiscordSlashCommandUnshare:
		result, err = k.commandUnshare(ctx, i, member)
	case DiscordSlashCommandClaim:
		result, err = k.commandClaim(ctx, i, member, options)
	case DiscordSlashCommandMyKeys:
		result, err = k.commandMyKeys(ctx, member, options)
	default:
		err = fmt.Errorf("unknown command: %q", commandName)
	}

	outcome := outcomeOK
	if err != nil {
		if IsUserError(err) {
			outcome = truncate(err.Error(), maxOutcomeLength)
		} else {
			logger.ErrorContext(ctx, "error running command", tint.Err(err))
			outcome = outcomeInternalError
		}
		result = &commandResult{
			embeds: []*discordgo.MessageEmbed{
				errorEmbed(
					err,
					k.store.Parser(),
					commandErrorTitles[commandName],
					optionString(options, commandOptionPlatform),
				),
			},
		}
	}

	if _, editErr := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{Embeds: &result.embeds},
	); editErr != nil {
		return outcomeInternalError
	}

	if result.followup != nil {
		if _, followupErr := handler.Followup(
			ctx,
			&discordgo.WebhookParams{
				Embeds: []*discordgo.MessageEmbed{result.followup},
			},
		); followupErr != nil {
			logger.WarnContext(ctx, "unable to send followup", tint.Err(followupErr))
		}
	}
	return outcome
}

func (k *KeyBot) commandAdd(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	member MemberInfo,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*commandResult, error) {
	result, err := k.store.AddKey(
		ctx,
		member,
		optionString(options, commandOptionKey),
		optionString(options, commandOptionGame),
		i.GuildID != "",
	)
	if err != nil {
		return nil, err
	}
	return &commandResult{embeds: addKeyEmbeds(k.store.Parser(), result)}, nil
}

func (k *KeyBot) commandRemove(
	ctx context.Context,
	member MemberInfo,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*commandResult, error) {
	result, err := k.store.RemoveKey(
		ctx,
		member,
		optionString(options, commandOptionPlatform),
		optionString(options, commandOptionGame),
	)
	if err != nil {
		return nil, err
	}
	return &commandResult{embeds: []*discordgo.MessageEmbed{removeKeyEmbed(result)}}, nil
}

func (k *KeyBot) commandSearch(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*commandResult, error) {
	games, err := k.store.SearchGames(ctx, optionString(options, commandOptionGame), i.GuildID)
	if err != nil {
		return nil, err
	}
	return &commandResult{
		embeds: []*discordgo.MessageEmbed{searchEmbed(k.store.Parser(), games)},
	}, nil
}

func (k *KeyBot) commandBrowse(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*commandResult, error) {
	page, err := k.store.BrowseGames(ctx, i.GuildID, optionInt(options, commandOptionPage, 1))
	if err != nil {
		return nil, err
	}
	return &commandResult{
		embeds: []*discordgo.MessageEmbed{browseEmbed(k.store.Parser(), page)},
	}, nil
}

func (k *KeyBot) commandShare(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	member MemberInfo,
) (*commandResult, error) {
	result, err := k.store.ShareGuild(ctx, member, i.GuildID)
	if err != nil {
		return nil, err
	}
	return &commandResult{
		embeds: []*discordgo.MessageEmbed{
			shareEmbed(result, member.Name, k.discord.guildName(i.GuildID)),
		},
	}, nil
}

func (k *KeyBot) commandUnshare(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	member MemberInfo,
) (*commandResult, error) {
	result, err := k.store.UnshareGuild(ctx, member, i.GuildID)
	if err != nil {
		return nil, err
	}
	return &commandResult{
		embeds: []*discordgo.MessageEmbed{
			unshareEmbed(result, member.Name, k.discord.guildName(i.GuildID)),
		},
	}, nil
}

func (k *KeyBot) commandClaim(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	member MemberInfo,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*commandResult, error) {
	result, err := k.store.ClaimKey(
		ctx,
		member,
		optionString(options, commandOptionPlatform),
		optionString(options, commandOptionGame),
		i.GuildID,
	)
	if err != nil {
		return nil, err
	}
	return &commandResult{
		embeds:   []*discordgo.MessageEmbed{claimEmbed(result)},
		followup: claimNoticeEmbed(result, member.Name),
	}, nil
}

func (k *KeyBot) commandMyKeys(
	ctx context.Context,
	member MemberInfo,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*commandResult, error) {
	page, err := k.store.ListMyKeys(ctx, member.ID, optionInt(options, commandOptionPage, 1))
	if err != nil {
		return nil, err
	}
	return &commandResult{
		embeds: []*discordgo.MessageEmbed{myKeysEmbed(k.store.Parser(), page)},
	}, nil
}

// handleRecover handles the recovery from a panic while handling an
// interaction, logging the panic and stack trace.
func (*KeyBot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(v),
			"stack_trace", stackTrace,
		)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", rc,
			"stack_trace", stackTrace,
		)
	}
}
