package keybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// Version, CommitSHA and BuildTime are set at build time, ex:
	// -ldflags "-X github.com/bayangan1991/discord-key-bot/keybot.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// KeyBot is the discord bot. It owns the database, the [KeyStore],
// the discord session and the optional HTTP servers.
//
// Usage:
//
//	bot, err := keybot.New(cfg)
//	if err != nil {
//	    // Handle error
//	}
//	err = bot.Run(ctx)
type KeyBot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	// db is used for reads, writes go through writeDB
	db      *gorm.DB
	writeDB DBI
	store   *KeyStore

	discord              *Discord
	api                  *API
	discordWebhookServer *DiscordWebhookServer
	commandLimiter       *commandLimiter

	// getInteractionHandlerFunc returns the InteractionHandler for an
	// incoming interaction. Overridden in tests.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	startedAt          time.Time
	metricInteractions atomic.Int64

	// inflight tracks interactions being handled, so shutdown can
	// wait for them
	inflight sync.WaitGroup

	// prevents concurrent runs
	runMu sync.Mutex
}

// New creates a KeyBot from the given configuration. The database
// isn't opened until [KeyBot.Run].
func New(config *Config) (*KeyBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			fmt.Errorf(
				"invalid database type %q (must be %q or %q)",
				config.DatabaseType,
				dbTypeSQLite,
				dbTypePostgres,
			),
		)
	}
	if config.Discord == nil {
		return nil, errors.New("discord config is required")
	}
	if config.API == nil {
		config.API = DefaultConfig().API
	}

	k := &KeyBot{
		config: config,
		commandLimiter: newCommandLimiter(
			config.Discord.CommandRateInterval,
			config.Discord.CommandRateBurst,
		),
	}

	k.logHandler = newLogHandler(config.LogLevel)
	k.logger = slog.New(k.logHandler)
	slog.SetDefault(k.logger)

	disc, err := newDiscord(config.Discord)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	disc.logger = slog.New(newLogHandler(config.Discord.LogLevel)).With(loggerNameKey, "discord")
	k.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	k.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		return newGatewayHandler(k.discord.session, i, k.discord.logger)
	}

	api, err := newAPI(k, config.API)
	errs = append(errs, err)
	k.api = api

	return k, errors.Join(errs...)
}

// ValidateConfig validates the bot's configuration
func (k *KeyBot) ValidateConfig() error {
	return structValidator.Struct(k.config)
}

// Store returns the bot's KeyStore, which is nil until the database
// has been initialized
func (k *KeyBot) Store() *KeyStore {
	return k.store
}

// RegisterSlashCommands overwrites the bot's slash commands with discord
func (k *KeyBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if k.discord.session == nil {
		session, err := k.discord.newSession()
		if err != nil {
			return nil, err
		}
		k.discord.session = session
	}
	return k.discord.registerCommands(k.parser(), options...)
}

func (k *KeyBot) parser() *KeyParser {
	if k.store != nil {
		return k.store.Parser()
	}
	return NewKeyParser(nil)
}

// initDB opens and migrates the database, and creates the KeyStore
func (k *KeyBot) initDB(ctx context.Context) error {
	logger := contextLoggerOr(ctx, k.logger)

	handler := newLogHandler(k.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, k.config.DatabaseSlowThreshold)

	db, err := getDB(k.config.DatabaseType, k.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if err = configureDB(ctx, db, k.config.DatabaseType); err != nil {
		return err
	}

	logger.DebugContext(ctx, "migrating database...")
	if err = migrate(ctx, db); err != nil {
		logger.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return err
	}
	logger.DebugContext(ctx, "finished migrating database")

	k.db = db
	k.writeDB = NewDatabase(
		db,
		slog.New(handler),
		k.config.DatabaseType == dbTypePostgres,
	)
	k.store = NewKeyStore(k.writeDB, nil, k.config.WaitTime, k.logger)
	return nil
}

// initDiscordSession creates the discord session if needed, and adds
// the gateway event handlers. Interactions received over the gateway
// are each handled in their own goroutine.
func (k *KeyBot) initDiscordSession(ctx context.Context) error {
	if k.discord.session == nil {
		session, err := k.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		k.discord.session = session
	}

	for _, remove := range k.discord.discordgoRemoveHandlerFuncs {
		remove()
	}

	k.discord.session.SetIdentify(
		discordgo.Identify{Intents: k.config.Discord.GatewayIntents},
	)

	k.discord.discordgoRemoveHandlerFuncs = []func(){
		k.discord.session.AddHandler(k.discord.handlerConnect()),
		k.discord.session.AddHandler(k.discord.handlerDisconnect()),
		k.discord.session.AddHandler(k.discord.handlerReady()),
		k.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := k.getInteractionHandlerFunc(ctx, i)
				k.inflight.Add(1)
				go func() {
					defer k.inflight.Done()
					k.handleInteraction(ctx, handler)
				}()
			},
		),
	}
	return nil
}

// Run starts the bot, and blocks until ctx is canceled or one of the
// HTTP servers fails, then shuts down gracefully.
func (k *KeyBot) Run(ctx context.Context) error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	k.startedAt = time.Now()
	logger := k.logger

	if err := k.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", k.config))

	startCtx, startCancel := context.WithTimeout(ctx, k.config.StartupTimeout)
	defer startCancel()

	if k.store == nil {
		if err := k.initDB(startCtx); err != nil {
			return err
		}
	}

	// interactions keep running through shutdown, until they finish or
	// the shutdown timeout passes
	interactionCtx := context.WithoutCancel(ctx)

	if err := k.initDiscordSession(interactionCtx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	if k.config.Discord.RegisterCommands {
		if _, err := k.RegisterSlashCommands(
			discordgo.WithContext(startCtx),
		); err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
	}

	servers, serverCtx := errgroup.WithContext(ctx)
	if k.config.API.Enabled {
		servers.Go(
			func() error {
				return ignoreServerClosed(k.api.Serve(serverCtx))
			},
		)
	}
	if k.config.Discord.WebhookServer.Enabled {
		webhookServer, err := newWebhookServer(
			interactionCtx,
			k,
			k.config.Discord.WebhookServer,
		)
		if err != nil {
			return err
		}
		k.discordWebhookServer = webhookServer
		servers.Go(
			func() error {
				return ignoreServerClosed(webhookServer.Serve(serverCtx))
			},
		)
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := k.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return errors.Join(
			fmt.Errorf("error connecting to discord: %w", err),
			k.shutdown(ctx, servers),
		)
	}

	if status := k.config.Discord.CustomStatus; status != "" {
		if err := k.discord.session.UpdateCustomStatus(status); err != nil {
			logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
	logger.InfoContext(ctx, "ready", "startup", time.Since(k.startedAt))

	<-serverCtx.Done()
	return k.shutdown(ctx, servers)
}

// shutdown stops the HTTP servers and closes the discord session, then
// waits up to ShutdownTimeout for in-flight interactions to finish.
func (k *KeyBot) shutdown(ctx context.Context, servers *errgroup.Group) error {
	logger := k.logger
	logger.WarnContext(ctx, "shutting down", "shutdown_timeout", k.config.ShutdownTimeout)

	closeCtx, closeCancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		k.config.ShutdownTimeout,
	)
	defer closeCancel()

	var errs []error
	if k.config.API.Enabled && k.api != nil {
		errs = append(errs, k.api.Shutdown(closeCtx))
	}
	if k.discordWebhookServer != nil {
		errs = append(errs, k.discordWebhookServer.Shutdown(closeCtx))
	}
	errs = append(errs, servers.Wait())

	for _, remove := range k.discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	k.discord.discordgoRemoveHandlerFuncs = nil
	if k.discord.session != nil {
		if err := k.discord.session.Close(); err != nil {
			logger.WarnContext(ctx, "error closing discord session", tint.Err(err))
		}
	}

	done := make(chan struct{})
	go func() {
		k.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.InfoContext(ctx, "all interactions finished")
	case <-closeCtx.Done():
		errs = append(errs, errors.New("interactions did not finish before the shutdown timeout"))
	}
	return errors.Join(errs...)
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
