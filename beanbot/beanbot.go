package beanbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// Set at build time, ex:
	// -ldflags "-X github.com/arcward/beanbot/beanbot.Version=$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// setupCheckInterval is how often Run rereads the runtime config while
// it waits on admin credentials
var setupCheckInterval = 5 * time.Second

// BeanBot routes Discord interactions to the role menu commands, and
// serves the admin API
type BeanBot struct {
	config *Config
	logger *slog.Logger

	db     *gorm.DB
	ownsDB bool
	writer *dbWriter
	events eventBus

	// wrapped with the suggestion cache when redis is configured
	menus     MenuStore
	menuCache menuNameCache

	discord   *Discord
	collector *componentCollector
	api       *API
	webhook   *webhookServer

	cfgMu         sync.RWMutex
	runtimeConfig RuntimeConfig

	paused       atomic.Bool
	pendingSetup atomic.Bool
	inFlight     atomic.Int64

	// newHandler wraps each incoming interaction
	newHandler func(i *discordgo.InteractionCreate, t Transport) InteractionHandler
	work       *workGroup

	reload    chan struct{}
	stop      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once

	runMu     sync.Mutex
	startedAt time.Time
}

// Option customizes a BeanBot created with New
type Option func(*BeanBot)

// WithDB uses db instead of opening config.Database. db is migrated
// when the bot opens, but the caller keeps ownership and closes it.
func WithDB(db *gorm.DB) Option {
	return func(d *BeanBot) {
		d.db = db
	}
}

// WithMenuStore replaces the database-backed menu store
func WithMenuStore(store MenuStore) Option {
	return func(d *BeanBot) {
		d.menus = store
	}
}

// WithSession uses session instead of creating a discordgo session
func WithSession(session DiscordSessionHandler) Option {
	return func(d *BeanBot) {
		d.discord.session = session
	}
}

// New validates config and sets up the bot. Nothing is opened until Run.
func New(config *Config, opts ...Option) (*BeanBot, error) {
	for _, lv := range []**slog.LevelVar{
		&config.LogLevel,
		&config.Database.LogLevel,
		&config.Discord.LogLevel,
		&config.Discord.DiscordGoLogLevel,
		&config.Discord.Webhook.LogLevel,
		&config.API.LogLevel,
	} {
		if *lv == nil {
			*lv = new(slog.LevelVar)
		}
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &BeanBot{
		config:        config,
		logger:        newLogger(config.LogLevel, "beanbot"),
		runtimeConfig: DefaultRuntimeConfig(),
		work:          newWorkGroup(context.Background()),
		reload:        make(chan struct{}, 1),
		stop:          make(chan struct{}, 1),
		ready:         make(chan struct{}),
	}
	d.newHandler = d.handlerFor
	d.collector = newComponentCollector(d.logger)
	discordgo.Logger = discordgoLogger(newLogger(config.Discord.DiscordGoLogLevel, "discordgo"))

	disc, err := newDiscord(&config.Discord, newLogger(config.Discord.LogLevel, "discord"))
	if err != nil {
		return nil, err
	}
	d.discord = disc

	for _, opt := range opts {
		opt(d)
	}

	if d.api, err = newAPI(d); err != nil {
		return nil, err
	}
	if config.Discord.Webhook.Enabled {
		d.webhook = newWebhookServer(d)
	}
	return d, nil
}

// RuntimeConfig returns a copy of the current runtime config
func (d *BeanBot) RuntimeConfig() RuntimeConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.runtimeConfig
}

// Ready is closed once Run is handling interactions
func (d *BeanBot) Ready() <-chan struct{} {
	return d.ready
}

// RegisterSlashCommands overwrites the bot's slash commands
func (d *BeanBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	cfg := d.RuntimeConfig()
	if d.discord.session == nil {
		s, err := d.discord.newSession(cfg)
		if err != nil {
			return nil, err
		}
		d.discord.session = s
	}
	return d.discord.registerCommands(cfg, options...)
}

// open connects the stores and loads the runtime config, creating it on
// first run
func (d *BeanBot) open(ctx context.Context) error {
	if d.db == nil {
		db, err := CreateDB(ctx, d.config.Database)
		if err != nil {
			return err
		}
		d.db, d.ownsDB = db, true
	} else if err := migrate(ctx, d.db); err != nil {
		return err
	}
	d.writer = newDBWriter(d.db)

	dsn := ""
	if d.config.Database.Type == dbTypePostgres {
		dsn = d.config.Database.DSN
	}
	d.events = newEventBus(d.db, dsn, d.logger)

	if d.menus == nil {
		d.menus = newMenuStore(d.writer)
		if d.config.Redis.Enabled() {
			cache, err := newRedisNameCache(d.config.Redis)
			if err != nil {
				d.logger.ErrorContext(ctx, "menu name cache disabled", tint.Err(err))
			} else {
				d.menuCache = cache
				d.menus = newCachedMenuStore(d.menus, cache, d.logger)
			}
		}
	}

	cfg, err := d.loadRuntimeConfig(ctx)
	if err != nil {
		return err
	}
	d.cfgMu.Lock()
	d.runtimeConfig = cfg
	d.cfgMu.Unlock()

	d.pendingSetup.Store(!cfg.adminSet())
	d.paused.Store(cfg.Paused)
	d.setRuntimeLevels(cfg)
	return nil
}

// closeStores closes the cache, and the database if the bot opened it
func (d *BeanBot) closeStores() error {
	var errs []error
	if d.menuCache != nil {
		errs = append(errs, d.menuCache.Close())
	}
	if d.ownsDB && d.db != nil {
		errs = append(errs, closeDB(d.db))
	}
	return errors.Join(errs...)
}

func (d *BeanBot) loadRuntimeConfig(ctx context.Context) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	err := d.writer.transaction(
		ctx, func(tx *gorm.DB) (e error) {
			cfg, e = currentRuntimeConfig(tx)
			return e
		},
	)
	if err != nil {
		return cfg, err
	}
	if err = structValidator.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid runtime config: %w", err)
	}
	return cfg, nil
}

// currentRuntimeConfig returns the runtime config row, creating it with
// the defaults if there isn't one
func currentRuntimeConfig(tx *gorm.DB) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	err := tx.Order("id").First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cfg = DefaultRuntimeConfig()
		err = tx.Create(&cfg).Error
	}
	if err != nil {
		return cfg, fmt.Errorf("error loading runtime config: %w", err)
	}
	return cfg, nil
}

// SetAdminCredentials stores the admin API login in db, which must
// already be migrated
func SetAdminCredentials(ctx context.Context, db *gorm.DB, username, password string) error {
	_, err := setAdminCredentials(ctx, newDBWriter(db), username, password)
	return err
}

func setAdminCredentials(
	ctx context.Context,
	w *dbWriter,
	username, password string,
) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	if username == "" || password == "" {
		return cfg, errors.New("username and password are required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return cfg, fmt.Errorf("error hashing password: %w", err)
	}
	err = w.transaction(
		ctx, func(tx *gorm.DB) error {
			var e error
			if cfg, e = currentRuntimeConfig(tx); e != nil {
				return e
			}
			cfg.AdminUsername, cfg.AdminPassword = username, hash
			return tx.Model(&cfg).Select("AdminUsername", "AdminPassword").Updates(&cfg).Error
		},
	)
	return cfg, err
}

// applyRuntimeConfig swaps in cfg, and brings the logging levels and
// the Discord connection in line with it. Callers hold cfgMu.
func (d *BeanBot) applyRuntimeConfig(prev, cfg RuntimeConfig) {
	d.runtimeConfig = cfg
	d.setRuntimeLevels(cfg)

	switch wasPaused := d.paused.Swap(cfg.Paused); {
	case cfg.Paused && !wasPaused:
		d.logger.Warn("paused")
	case !cfg.Paused && wasPaused:
		d.logger.Info("unpaused")
	}

	d.discord.applyPresence(prev, cfg)
	if d.discord.session != nil &&
		(prev.RoleMenuCommandDescription != cfg.RoleMenuCommandDescription ||
			prev.RolesCommandDescription != cfg.RolesCommandDescription) {
		if _, err := d.discord.registerCommands(cfg); err != nil {
			d.logger.Error("error updating command descriptions", tint.Err(err))
		}
	}
}

func (d *BeanBot) setRuntimeLevels(cfg RuntimeConfig) {
	d.config.LogLevel.Set(cfg.LogLevel)
	d.config.Database.LogLevel.Set(cfg.DatabaseLogLevel)
	d.config.Discord.LogLevel.Set(cfg.DiscordLogLevel)
	d.config.Discord.DiscordGoLogLevel.Set(cfg.DiscordGoLogLevel)
	d.config.Discord.Webhook.LogLevel.Set(cfg.DiscordWebhookLogLevel)
	d.config.API.LogLevel.Set(cfg.APILogLevel)
}

// workGroup runs interaction handlers with a shared context. Once
// closed, it turns away new ones.
type workGroup struct {
	ctx    context.Context
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newWorkGroup(ctx context.Context) *workGroup {
	return &workGroup{ctx: ctx}
}

// Go runs fn in a new goroutine, unless the group is closed
func (g *workGroup) Go(fn func(ctx context.Context)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(g.ctx)
	}()
	return true
}

func (g *workGroup) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// wait blocks until every goroutine has returned, or ctx is done
func (g *workGroup) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
