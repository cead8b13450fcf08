package cmd

import (
	"context"
	"fmt"
	"github.com/bayangan1991/discord-key-bot/keybot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	cfg        = keybot.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"api.log_level",
}

var corsListKeys = []string{
	"api.cors.allow_headers",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "keybot [flags]",
	Short: "A discord bot for sharing spare game keys",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// unmarshalConfig decodes viper's settings into c
func unmarshalConfig(c *keybot.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				SecondsToDurationHookFunc(),
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
}

// SecondsToDurationHookFunc returns a decode hook that reads a bare
// integer as a number of seconds, when decoding into a time.Duration.
// Other values are passed through, so "90s" or "24h" still decode with
// [mapstructure.StringToTimeDurationHookFunc].
func SecondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != durationType || f == durationType {
			return data, nil
		}
		switch f.Kind() {
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			seconds, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return data, nil
			}
			return time.Duration(seconds) * time.Second, nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		default:
			return data, nil
		}
	}
}

// LevelToStringHookFunc returns a decode hook that converts level names
// like "INFO" or "warn" into a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvlVar, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", keybot.DefaultDatabase)
	viper.SetDefault("database_type", keybot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", keybot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", keybot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("wait_time", keybot.DefaultWaitTime)
	viper.SetDefault("development", false)

	viper.SetDefault("log_level", keybot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", keybot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", keybot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", keybot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		keybot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", keybot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.custom_status", keybot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.register_commands", true)
	viper.SetDefault(
		"discord.command_rate_interval",
		keybot.DefaultDiscordCommandRateInterval,
	)
	viper.SetDefault("discord.command_rate_burst", keybot.DefaultDiscordCommandRateBurst)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		keybot.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", keybot.DefaultReadTimeout)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		keybot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("discord.webhook_server.write_timeout", keybot.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", keybot.DefaultIdleTimeout)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		keybot.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		keybot.DefaultDiscordWebhookServerTLSminVersion,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key"))

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", keybot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", keybot.DefaultAPILogLevel.String())
	viper.SetDefault("api.requests_per_second", keybot.DefaultAPIRequestsPerSec)
	viper.SetDefault("api.request_burst", keybot.DefaultAPIRequestBurst)
	viper.SetDefault("api.read_timeout", keybot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", keybot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", keybot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", keybot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", keybot.DefaultAPITLSMinVersion)

	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", keybot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", keybot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", keybot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", keybot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		keybot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(keybot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = keybot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// unprefixed names are still read, for existing deployments
	fatalErr(viper.BindEnv("wait_time", envPrefix+"_WAIT_TIME", "WAIT_TIME"))
	fatalErr(viper.BindEnv("discord.token", envPrefix+"_DISCORD_TOKEN", "TOKEN"))

	// Convert values to correct types
	for _, key := range corsListKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(strings.TrimSpace(lvl)))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
