package keybot

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net"
	"net/http"
)

const apiDiscordInteractions = "/discord/interactions"

// DiscordWebhookServer receives Discord interactions as HTTP POST
// requests, as an alternative to receiving them over the gateway.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

// Serve listens on the configured address and serves requests until
// the server is shut down
func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, d.config.ListenNetwork, d.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
		}
		d.listener = ln
	}
	ln := d.listener
	if d.httpServer.TLSConfig == nil {
		d.logger.WarnContext(ctx, "starting webhook server without TLS")
	} else {
		ln = tls.NewListener(ln, d.httpServer.TLSConfig)
	}
	d.logger.InfoContext(ctx, "webhook server listening", "address", d.listener.Addr().String())
	return d.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server
func (d *DiscordWebhookServer) Shutdown(ctx context.Context) error {
	return d.httpServer.Shutdown(ctx)
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	ctx context.Context,
	k *KeyBot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "discord_webhook")

	r := gin.New()
	server := &DiscordWebhookServer{config: config, engine: r, logger: logger}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	server.httpServer = httpServer

	if !k.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		discordRequestAuthenticationMiddleware(k.discord.publicKey),
	)
	r.POST(apiDiscordInteractions, webhookReceiveHandler(ctx, k))
	return server, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written as the HTTP response, everything after
// that goes through the embedded [InteractionHandler].
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	once       *respondOnce
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

// Respond writes the response as the HTTP response body. Only the first
// call has any effect, later calls return errAlreadyResponded.
func (w WebhookHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.once.do(
		func() {
			w.ginContext.JSON(http.StatusOK, response)
		},
	)
	if err != nil {
		w.Logger().WarnContext(ctx, "interaction already responded to")
	}
	return err
}

// webhookReceiveHandler returns a [gin.HandlerFunc] for handling Discord
// webhook interactions.
//
// The interaction is handled in its own goroutine, and the request
// returns as soon as the initial response has been written, so
// Discord receives it before any edits or followups are sent.
func webhookReceiveHandler(ctx context.Context, k *KeyBot) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_addr", c.Request.RemoteAddr,
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(c, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if err = json.Unmarshal(body, &interaction); err != nil {
			logger.ErrorContext(c, "error unmarshalling body", tint.Err(err))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		i := &interaction

		once := newRespondOnce()
		handler := WebhookHandler{
			ginContext:         c,
			once:               once,
			InteractionHandler: k.getInteractionHandlerFunc(ctx, i),
		}

		runCtx := WithLogger(ctx, logger)
		finished := make(chan struct{})
		k.inflight.Add(1)
		go func() {
			defer k.inflight.Done()
			defer close(finished)
			k.handleInteraction(runCtx, handler)
		}()

		select {
		case <-once.Done():
		case <-finished:
		case <-c.Request.Context().Done():
		}

		// nothing was sent, so make sure discord gets a response before
		// the gin context is released
		if err = once.do(
			func() {
				c.JSON(http.StatusInternalServerError, httpError{Error: "no response"})
			},
		); err == nil {
			logger.ErrorContext(c, "interaction finished without a response")
		}
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(publicKey) != ed25519.PublicKeySize ||
			!discordgo.VerifyInteraction(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}
