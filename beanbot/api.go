package beanbot

import (
	"crypto/sha512"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthz"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathLoggedIn         = "/logged_in"
	apiPathConfig           = "/config"
	apiPathQuit             = "/quit"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathRoleMenus        = "/guilds/:guild_id/role_menus"
	apiPathRoleMenu         = "/guilds/:guild_id/role_menus/:name"
	apiPathInteractions     = "/interactions"
	apiDiscordInteractions  = "/discord/interactions"

	sessionVarName  = "user"
	sessionVarField = "username"

	defaultPageSize = 25
)

var structValidator = validator.New()

//nolint:gochecknoinits // gin binds with the same tag name
func init() {
	structValidator.SetTagName("binding")
}

var (
	// per client IP
	loginRateLimit = rate.Every(time.Second)
	loginRateBurst = 3
)

// Sort is the order of a paginated listing
type Sort string

const (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// Pagination is the query string of paginated listings
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
}

// API is the admin HTTP API
type API struct {
	bot     *BeanBot
	config  *APIConfig
	engine  *gin.Engine
	server  *http.Server
	store   sessions.Store
	limiter *loginLimiter
	logger  *slog.Logger
}

func newAPI(d *BeanBot) (*API, error) {
	cfg := &d.config.API
	a := &API{
		bot:     d,
		config:  cfg,
		limiter: newLoginLimiter(loginRateLimit, loginRateBurst),
		logger:  newLogger(cfg.LogLevel, "api"),
	}

	corsCfg := corsConfig(cfg)
	if err := corsCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid CORS settings: %w", err)
	}
	a.store = newCookieStore(sessionKey(cfg.Secret, a.logger))
	a.store.Options(sessionOptions(cfg))

	a.engine, a.server = newHTTPServer(cfg.ServerConfig, cfg.Development, a.logger)
	r := a.engine
	r.Use(cors.New(corsCfg), sessions.Sessions(sessionVarName, a.store))
	if cfg.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiHealthCheck, a.healthCheck)
	r.POST(apiPathLogin, a.login)
	r.POST(apiPathLogout, a.logout)
	r.GET(apiPathSetupStatus, a.setupStatus)
	r.POST(apiPathSetup, a.setup)

	authed := r.Group(apiPrefix, a.requireSession)
	authed.GET(apiPathLoggedIn, a.loggedIn)
	authed.GET(apiPathConfig, a.getConfig)
	authed.PATCH(apiPathConfig, a.updateConfig)
	authed.POST(apiPathQuit, a.quit)
	authed.POST(apiPathRegisterCommands, a.registerCommands)
	authed.GET(apiPathRoleMenus, a.listRoleMenus)
	authed.DELETE(apiPathRoleMenu, a.deleteRoleMenu)
	authed.GET(apiPathInteractions, a.listInteractions)
	return a, nil
}

// corsConfig allows credentialed requests from the configured origins.
// In development, any origin is allowed when none are configured.
func corsConfig(cfg *APIConfig) cors.Config {
	c := cors.DefaultConfig()
	c.AllowCredentials = true
	c.ExposeHeaders = []string{xRequestIDHeader}
	switch {
	case len(cfg.AllowOrigins) > 0:
		c.AllowOrigins = cfg.AllowOrigins
	case cfg.Development:
		c.AllowOriginFunc = func(string) bool { return true }
	default:
		c.AllowOriginFunc = func(string) bool { return false }
	}
	return c
}

// sessionKey returns the cookie signing key. Without a secret, a random
// key is used and sessions end when the process does.
func sessionKey(secret string, logger *slog.Logger) []byte {
	if secret == "" {
		logger.Warn("api secret not set, sessions won't survive a restart")
		return securecookie.GenerateRandomKey(64)
	}
	sum := sha512.Sum512([]byte(secret))
	return sum[:]
}

// cookieStore adapts a gorilla cookie store to gin sessions
type cookieStore struct {
	*gsessions.CookieStore
}

func newCookieStore(keyPairs ...[]byte) *cookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

func (s *cookieStore) Options(opts sessions.Options) {
	s.CookieStore.Options = opts.ToGorillaOptions()
}

func sessionOptions(cfg *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if cfg.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionMaxAge.Seconds()),
		Secure:   true,
		HttpOnly: true,
		SameSite: sameSite,
	}
}

// loginLimiter keeps a token bucket per client IP
type loginLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newLoginLimiter(limit rate.Limit, burst int) *loginLimiter {
	return &loginLimiter{limit: limit, burst: burst, buckets: map[string]*rate.Limiter{}}
}

func (l *loginLimiter) Allow(ip string) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[ip] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// requireSession rejects requests without a logged in session, and
// every request while setup is pending
func (a *API) requireSession(c *gin.Context) {
	if a.bot.pendingSetup.Load() {
		replyError(c, http.StatusUnauthorized, "admin credentials not set")
		return
	}
	username, _ := sessions.Default(c).Get(sessionVarField).(string)
	if username == "" {
		replyError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	c.Set(sessionVarField, username)
	c.Next()
}

type healthCheckResponse struct {
	Paused                  bool  `json:"paused"`
	InteractionsInProgress  int64 `json:"interactions_in_progress"`
	PromptsWaiting          int   `json:"prompts_waiting"`
	DiscordGatewayConnected bool  `json:"discord_gateway_connected"`
}

func (a *API) healthCheck(c *gin.Context) {
	d := a.bot
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  d.paused.Load(),
			InteractionsInProgress:  d.inFlight.Load(),
			PromptsWaiting:          d.collector.pending(),
			DiscordGatewayConnected: d.discord.connected.Load(),
		},
	)
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

// login starts a session for the admin.
//
//   - 200: logged in
//   - 400: bad payload
//   - 401: wrong credentials, or none set
//   - 429: too many attempts from this IP
func (a *API) login(c *gin.Context) {
	logger := requestLogger(c)
	if !a.limiter.Allow(c.ClientIP()) {
		logger.Warn("login rate limited")
		replyError(c, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var body userLogin
	if err := c.ShouldBindJSON(&body); err != nil {
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}

	cfg := a.bot.RuntimeConfig()
	if !cfg.adminSet() || body.Username != cfg.AdminUsername {
		logger.Warn("failed login", "username", body.Username)
		replyError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	ok, err := VerifyPassword(cfg.AdminPassword, body.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error verifying password")
		return
	}
	if !ok {
		logger.Warn("failed login", "username", body.Username)
		replyError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	s := sessions.Default(c)
	s.Set(sessionVarField, body.Username)
	if err = s.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error saving session")
		return
	}
	logger.Info("logged in", "username", body.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: body.Username})
}

func (a *API) logout(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	opts := sessionOptions(a.config)
	opts.MaxAge = -1
	s.Options(opts)
	if err := s.Save(); err != nil {
		requestLogger(c).Error("error clearing session", tint.Err(err))
	}
	c.JSON(http.StatusOK, httpReply{Message: "logged out"})
}

func (a *API) loggedIn(c *gin.Context) {
	c.JSON(http.StatusOK, loggedInResponse{Username: c.GetString(sessionVarField)})
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse reports whether admin credentials still need to be set
type setupResponse struct {
	Required bool `json:"required"`
}

func (a *API) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: a.bot.pendingSetup.Load()})
}

// setup sets the admin credentials on first run.
//
//   - 201: credentials set
//   - 400: bad payload
//   - 403: credentials were already set
func (a *API) setup(c *gin.Context) {
	logger := requestLogger(c)
	var body adminSetupPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}

	d := a.bot
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	if !d.pendingSetup.Load() {
		logger.Warn("setup attempted after credentials were set")
		replyError(c, http.StatusForbidden, "forbidden")
		return
	}

	cfg, err := setAdminCredentials(c.Request.Context(), d.writer, body.Username, body.Password)
	if err != nil {
		logger.Error("error setting admin credentials", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error setting admin credentials")
		return
	}
	d.runtimeConfig.AdminUsername = cfg.AdminUsername
	d.runtimeConfig.AdminPassword = cfg.AdminPassword
	d.pendingSetup.Store(false)

	logger.Info("admin credentials set", "username", body.Username)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

func (a *API) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.bot.RuntimeConfig())
}

// updateConfig applies a partial update to the runtime config, then
// tells other instances to reload it.
//
//   - 202: the updated config
//   - 400: bad payload, or the result is invalid
func (a *API) updateConfig(c *gin.Context) {
	logger := requestLogger(c)
	ctx := c.Request.Context()

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := update.validate(); err != nil {
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}

	d := a.bot
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	prev := d.runtimeConfig
	next := prev
	update.apply(&next)
	if err := structValidator.Struct(next); err != nil {
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}
	_, err := d.writer.exec(
		ctx, func(tx *gorm.DB) *gorm.DB {
			return tx.Save(&next)
		},
	)
	if err != nil {
		logger.Error("error saving runtime config", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error saving runtime config")
		return
	}

	d.applyRuntimeConfig(prev, next)
	logger.Info("updated runtime config", slog.Any("runtime_config", next))
	if err = d.events.Publish(ctx, eventReloadConfig); err != nil {
		logger.Error("error notifying other instances", tint.Err(err))
	}
	c.JSON(http.StatusAccepted, next)
}

// quit stops every instance sharing the database
func (a *API) quit(c *gin.Context) {
	logger := requestLogger(c)
	logger.Warn("stop requested")
	if err := a.bot.broadcast(c.Request.Context(), eventStop); err != nil {
		logger.Error("error notifying other instances", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "stopping, but other instances weren't notified")
		return
	}
	c.JSON(http.StatusOK, httpReply{Message: "stopping"})
}

func (a *API) registerCommands(c *gin.Context) {
	registered, err := a.bot.RegisterSlashCommands(discordgo.WithContext(c.Request.Context()))
	if err != nil {
		requestLogger(c).Error("error registering commands", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, registered)
}

func (a *API) listRoleMenus(c *gin.Context) {
	var page Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}
	menus, err := a.bot.menus.List(c.Request.Context(), c.Param("guild_id"), page)
	if err != nil {
		requestLogger(c).Error("error listing role menus", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error listing role menus")
		return
	}
	c.JSON(http.StatusOK, menus)
}

// deleteRoleMenu responds 404 if the guild has no menu by that name
func (a *API) deleteRoleMenu(c *gin.Context) {
	logger := requestLogger(c)
	guildID, name := c.Param("guild_id"), c.Param("name")

	n, err := a.bot.menus.Delete(c.Request.Context(), guildID, name)
	switch {
	case err != nil:
		logger.Error("error deleting role menu", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error deleting role menu")
	case n == 0:
		replyError(c, http.StatusNotFound, ErrMenuNotFound.Error())
	default:
		logger.Info("deleted role menu", "guild_id", guildID, "name", name)
		c.JSON(http.StatusOK, httpReply{Message: fmt.Sprintf(msgRoleMenuDeleted, name)})
	}
}

type interactionsQuery struct {
	Pagination
	GuildID string `form:"guild_id"`
}

// listInteractions returns the interaction log, newest first unless
// order=asc
func (a *API) listInteractions(c *gin.Context) {
	var q interactionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}
	limit := q.Limit
	if limit == 0 {
		limit = defaultPageSize
	}
	order := "id desc"
	if q.Order == Ascending {
		order = "id"
	}

	db, cancel := a.bot.writer.read(c.Request.Context())
	defer cancel()
	tx := db.Order(order).Limit(limit).Offset(q.Offset)
	if q.GuildID != "" {
		tx = tx.Where(columnInteractionLogGuildID+" = ?", q.GuildID)
	}

	logs := []InteractionLog{}
	if err := tx.Find(&logs).Error; err != nil {
		requestLogger(c).Error("error listing interactions", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error listing interactions")
		return
	}
	c.JSON(http.StatusOK, logs)
}
