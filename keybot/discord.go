package keybot

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

const (
	DiscordSlashCommandAdd     = "add"
	DiscordSlashCommandRemove  = "remove"
	DiscordSlashCommandSearch  = "search"
	DiscordSlashCommandBrowse  = "browse"
	DiscordSlashCommandShare   = "share"
	DiscordSlashCommandUnshare = "unshare"
	DiscordSlashCommandClaim   = "claim"
	DiscordSlashCommandMyKeys  = "mykeys"

	commandOptionKey      = "key"
	commandOptionGame     = "game"
	commandOptionPlatform = "platform"
	commandOptionPage     = "page"
)

// guildOnlyCommands can't be used in DMs, as they're scoped to the
// guild they're used in
var guildOnlyCommands = map[string]bool{
	DiscordSlashCommandSearch:  true,
	DiscordSlashCommandBrowse:  true,
	DiscordSlashCommandShare:   true,
	DiscordSlashCommandUnshare: true,
	DiscordSlashCommandClaim:   true,
}

// Discord manages the Discord session, gateway event handlers and
// slash command registration.
//
// Fields:
//   - session: The Discord session handler.
//   - config: Configuration for Discord integration.
//   - logger: Logger for Discord-related events.
//   - publicKey: Ed25519 public key for verifying webhook requests.
//   - metricConnects: Counter for Discord connection events.
//   - metricDisconnects: Counter for Discord disconnection events.
//   - connected: Indicates if the Discord gateway connection is active.
//   - discordgoRemoveHandlerFuncs: Functions to remove Discord event handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

// ackResponseFlag returns the flags for the deferred response to the
// given command. Anything that shows a key, or is only relevant to the
// member using it, is ephemeral.
func (*Discord) ackResponseFlag(command string) discordgo.MessageFlags {
	switch command {
	case DiscordSlashCommandSearch,
		DiscordSlashCommandBrowse,
		DiscordSlashCommandShare,
		DiscordSlashCommandUnshare:
		return 0
	default:
		return discordgo.MessageFlagsEphemeral
	}
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
		logger:                      slog.Default(),
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf(
				"invalid public key length: %d (expected %d)",
				len(publicKey),
				ed25519.PublicKeySize,
			)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession initializes a new Discord session with the configured
// token and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = false
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func commandContexts(guildOnly bool) *[]discordgo.InteractionContextType {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	if !guildOnly {
		contexts = append(contexts, discordgo.InteractionContextBotDM)
	}
	return &contexts
}

// platformChoices returns the slash command choices for the
// parser's platforms
func platformChoices(parser *KeyParser) []*discordgo.ApplicationCommandOptionChoice {
	platforms := parser.Platforms()
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(platforms))
	for _, p := range platforms {
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{
				Name:  parser.Title(p),
				Value: string(p),
			},
		)
	}
	return choices
}

// appCommands returns the bot's slash commands
func (*Discord) appCommands(parser *KeyParser) []*discordgo.ApplicationCommand {
	dmAllowed := true
	dmDenied := false
	minLength := 1
	minPage := float64(1)

	pageOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionInteger,
		Name:        commandOptionPage,
		Description: "Page number",
		MinValue:    &minPage,
	}
	platformOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        commandOptionPlatform,
		Description: "Platform the key is for",
		Required:    true,
		Choices:     platformChoices(parser),
	}
	gameOption := func(description string, required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        commandOptionGame,
			Description: description,
			Required:    required,
			MinLength:   &minLength,
		}
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:         DiscordSlashCommandAdd,
			Description:  "Add a key or URL",
			DMPermission: &dmAllowed,
			Contexts:     commandContexts(false),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionKey,
					Description: "The key or URL",
					Required:    true,
					MinLength:   &minLength,
				},
				gameOption("Name of the game", true),
			},
		},
		{
			Name:         DiscordSlashCommandRemove,
			Description:  "Remove one of your keys, and send it to you",
			DMPermission: &dmAllowed,
			Contexts:     commandContexts(false),
			Options: []*discordgo.ApplicationCommandOption{
				platformOption,
				gameOption("Name of the game", true),
			},
		},
		{
			Name:         DiscordSlashCommandSearch,
			Description:  "Search available games",
			DMPermission: &dmDenied,
			Contexts:     commandContexts(true),
			Options: []*discordgo.ApplicationCommandOption{
				gameOption("Part of the game's name", false),
			},
		},
		{
			Name:         DiscordSlashCommandBrowse,
			Description:  "Browse through available games",
			DMPermission: &dmDenied,
			Contexts:     commandContexts(true),
			Options:      []*discordgo.ApplicationCommandOption{pageOption},
		},
		{
			Name:         DiscordSlashCommandShare,
			Description:  "Share your keys with this server",
			DMPermission: &dmDenied,
			Contexts:     commandContexts(true),
		},
		{
			Name:         DiscordSlashCommandUnshare,
			Description:  "Stop sharing your keys with this server",
			DMPermission: &dmDenied,
			Contexts:     commandContexts(true),
		},
		{
			Name:         DiscordSlashCommandClaim,
			Description:  "Claim a game from the available keys",
			DMPermission: &dmDenied,
			Contexts:     commandContexts(true),
			Options: []*discordgo.ApplicationCommandOption{
				platformOption,
				gameOption("Name of the game", true),
			},
		},
		{
			Name:         DiscordSlashCommandMyKeys,
			Description:  "Browse your own keys",
			DMPermission: &dmAllowed,
			Contexts:     commandContexts(false),
			Options:      []*discordgo.ApplicationCommandOption{pageOption},
		},
	}
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", userID,
			"username", username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected")
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	parser *KeyParser,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.appCommands(parser),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

func (d *Discord) ackResponse(commandName string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: d.ackResponseFlag(commandName),
		},
	}
}

// guildName returns the name of the guild, or a generic name if it
// can't be retrieved
func (d *Discord) guildName(guildID string) string {
	if d.session != nil {
		g, err := d.session.Guild(guildID)
		if err == nil && g != nil && g.Name != "" {
			return g.Name
		}
		if err != nil {
			d.logger.Warn("error getting guild", "guild_id", guildID, tint.Err(err))
		}
	}
	return "this server"
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This defines the methods from `discordgo.Session` which are used in
// this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseDelete deletes the given interaction
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// FollowupMessageCreate sends a followup message for the interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Guild returns the guild with the given ID
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

// SetIdentify replaces the session's identify payload. The token,
// properties and thresholds set by discordgo.New are kept when i
// leaves them empty.
func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	current := d.session.Identify
	if i.Token == "" {
		i.Token = current.Token
	}
	if i.Properties == (discordgo.IdentifyProperties{}) {
		i.Properties = current.Properties
	}
	if i.LargeThreshold == 0 {
		i.LargeThreshold = current.LargeThreshold
	}
	if !i.Compress {
		i.Compress = current.Compress
	}
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}

	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(
	status string,
) error {
	return d.session.UpdateCustomStatus(status)
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// memberInfo returns the [MemberInfo] for the user who sent the
// interaction, preferring their guild nickname, then their global name.
func memberInfo(i *discordgo.InteractionCreate, u *discordgo.User) MemberInfo {
	name := u.Username
	if u.GlobalName != "" {
		name = u.GlobalName
	}
	if i.Member != nil && i.Member.Nick != "" {
		name = i.Member.Nick
	}
	return MemberInfo{ID: u.ID, Name: name}
}
