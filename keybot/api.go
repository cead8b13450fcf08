package keybot

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	pprofPrefix           = "/debug"
	apiPrefix             = "/api"
	apiHealthCheck        = "/healthz"
	apiPathStats          = "/stats"
	apiPathGames          = "/games"
	apiPathMemberKeys     = "/members/:id/keys"
	apiPathRequestMetrics = "/metrics/requests"

	apiPathRegisterCommands = "/discord/register_commands"
)

const (
	xRequestIDHeader    = "X-Request-ID"
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

// API is the admin HTTP server. /healthz is public, everything under
// /api requires the configured bearer token.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	limiter          *rate.Limiter
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes and returns a new instance of the API struct.
//
// This sets up the logger, gin engine, TLS and middleware, and
// registers the routes.
func newAPI(k *KeyBot, config *APIConfig) (*API, error) {
	r := gin.New()

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		limiter:        rate.NewLimiter(limit, config.RequestBurst),
		logger:         slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api"),
	}
	apiHandlers := &APIHandlers{k: k, api: api}
	api.handlers = apiHandlers

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	if !k.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		rateLimitMiddleware(api.limiter),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, apiHandlers.healthCheck)

	if k.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))

	protected.GET(apiPathStats, apiHandlers.getStats)
	protected.GET(apiPathGames, apiHandlers.getGames)
	protected.GET(apiPathMemberKeys, apiHandlers.getMemberKeys)
	protected.GET(apiPathRequestMetrics, apiHandlers.getRequestMetrics)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)

	return api, nil
}

// Serve listens on the configured address and serves requests until
// the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	ln := a.listener
	if a.httpServer.TLSConfig == nil {
		a.logger.WarnContext(ctx, "starting API without TLS")
	} else {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.logger.InfoContext(ctx, "API listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// RequestMetrics returns a copy of the request counts, keyed by
// method and path
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	return metrics
}

// APIHandlers holds the handlers for admin API routes
type APIHandlers struct {
	k   *KeyBot
	api *API
}

// healthCheck reports whether the bot is up, and whether it's
// connected to the discord gateway.
//
// Responses:
//   - 200 OK: Returns the health check information in JSON format.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Uptime:              time.Since(h.k.startedAt).Round(time.Second).String(),
		InteractionsHandled: h.k.metricInteractions.Load(),
	}
	if d := h.k.discord; d != nil {
		resp.DiscordGatewayConnected = d.connected.Load()
		resp.DiscordConnects = d.metricConnects.Load()
		resp.DiscordDisconnects = d.metricDisconnects.Load()
	}
	c.JSON(http.StatusOK, resp)
}

// getStats returns the number of rows in each table
//
// Responses:
//   - 200 OK: Returns the table counts.
//   - 500 Internal Server Error: If any count failed.
func (h *APIHandlers) getStats(c *gin.Context) {
	logger := ginContextLogger(c)
	db := h.k.db.WithContext(c)

	var stats statsResponse
	g := new(errgroup.Group)
	g.Go(
		func() error {
			return db.Model(&Game{}).Count(&stats.Games).Error
		},
	)
	g.Go(
		func() error {
			return db.Model(&Key{}).Count(&stats.Keys).Error
		},
	)
	g.Go(
		func() error {
			return db.Model(&Member{}).Count(&stats.Members).Error
		},
	)
	g.Go(
		func() error {
			return db.Model(&GuildLink{}).Count(&stats.GuildLinks).Error
		},
	)
	g.Go(
		func() error {
			return db.Model(&InteractionLog{}).Count(&stats.Interactions).Error
		},
	)
	if err := g.Wait(); err != nil {
		logger.ErrorContext(c, "error getting stats", tint.Err(err))
		ginReplyError(c, "error getting stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// getGames returns a page of games with keys visible to a guild
//
// Responses:
//   - 200 OK: Returns a [GamePage].
//   - 400 Bad Request: If the query parameters are invalid.
//   - 500 Internal Server Error: If the games couldn't be retrieved.
func (h *APIHandlers) getGames(c *gin.Context) {
	logger := ginContextLogger(c)
	var query getGamesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Page == 0 {
		query.Page = 1
	}
	page, err := h.k.store.BrowseGames(c, query.GuildID, query.Page)
	if err != nil {
		logger.ErrorContext(c, "error browsing games", tint.Err(err))
		ginReplyError(c, "error getting games")
		return
	}
	c.JSON(http.StatusOK, page)
}

// getMemberKeys returns a page of keys contributed by a member. Key
// values are never included.
//
// Responses:
//   - 200 OK: Returns a [KeyPage].
//   - 400 Bad Request: If the query parameters are invalid.
//   - 404 Not Found: If the member doesn't exist.
//   - 500 Internal Server Error: If the keys couldn't be retrieved.
func (h *APIHandlers) getMemberKeys(c *gin.Context) {
	logger := ginContextLogger(c)

	var uri memberURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	var query pageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Page == 0 {
		query.Page = 1
	}

	member, err := h.k.store.GetMember(c, uri.ID)
	if err != nil {
		logger.ErrorContext(c, "error getting member", tint.Err(err))
		ginReplyError(c, "error getting member")
		return
	}
	if member == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "member not found"})
		return
	}

	page, err := h.k.store.ListMyKeys(c, member.ID, query.Page)
	if err != nil {
		logger.ErrorContext(c, "error listing keys", tint.Err(err))
		ginReplyError(c, "error listing keys")
		return
	}
	resp := memberKeysResponse{Member: *member, KeyPage: page}
	if next, ok := h.k.store.NextClaim(*member); ok {
		resp.NextClaim = &next
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getRequestMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.api.RequestMetrics())
}

// discordRegisterCommands overwrites the bot's slash commands
//
// Responses:
//   - 200 OK: If the commands were registered.
//   - 500 Internal Server Error: If registration failed.
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	if _, err := h.k.RegisterSlashCommands(); err != nil {
		logger.ErrorContext(c, "error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	ginReplyMessage(c, "commands registered")
}

type pageQuery struct {
	Page int `form:"page" binding:"omitempty,min=1"`
}

type getGamesQuery struct {
	pageQuery
	GuildID string `form:"guild_id" binding:"required,numeric"`
}

type memberURI struct {
	ID string `uri:"id" binding:"required,numeric"`
}

type memberKeysResponse struct {
	Member Member `json:"member"`

	// NextClaim is set while the member's claim cooldown is active
	NextClaim *time.Time `json:"next_claim,omitempty"`
	*KeyPage
}

// healthCheckResponse represents the response structure for a health check endpoint.
type healthCheckResponse struct {
	Uptime                  string `json:"uptime"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	DiscordConnects         int64  `json:"discord_connects"`
	DiscordDisconnects      int64  `json:"discord_disconnects"`
	InteractionsHandled     int64  `json:"interactions_handled"`
}

type statsResponse struct {
	Games        int64 `json:"games"`
	Keys         int64 `json:"keys"`
	Members      int64 `json:"members"`
	GuildLinks   int64 `json:"guild_links"`
	Interactions int64 `json:"interactions"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// authMiddleware returns a gin middleware that requires the
// 'Authorization: Bearer <secret>' header. An empty secret rejects
// every request.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		header := c.GetHeader(authorizationHeader)
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if secret == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			logger.WarnContext(c, "unauthorized request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware rejects requests with HTTP 429 when the
// limiter is exhausted
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
//
// It generates a random hexadecimal string and sets it in the Gin context
// under the key "X-Request-ID".
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests, with their duration and any errors.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware returns a Gin middleware function for tracking API request
// metrics, counting requests per method and route.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, path)

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
