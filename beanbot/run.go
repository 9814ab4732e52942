package beanbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// Run opens the stores, starts the admin API and webhook servers, and
// connects to Discord once admin credentials are set. It blocks until
// ctx is canceled or a stop event arrives, then shuts down.
func (d *BeanBot) Run(ctx context.Context) error {
	if !d.runMu.TryLock() {
		return errors.New("already running")
	}
	defer d.runMu.Unlock()

	d.startedAt = time.Now()
	d.logger.InfoContext(
		ctx, "starting",
		"version", Version,
		"commit", CommitSHA,
		slog.Any("config", d.config),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	err := d.open(startCtx)
	startCancel()
	if err != nil {
		return errors.Join(fmt.Errorf("startup failed: %w", err), d.closeStores())
	}

	apiLn, err := listen(ctx, d.config.API.ServerConfig)
	if err != nil {
		return errors.Join(err, d.closeStores())
	}
	var hookLn net.Listener
	if d.webhook != nil {
		if hookLn, err = listen(ctx, d.config.Discord.Webhook.ServerConfig); err != nil {
			_ = apiLn.Close()
			return errors.Join(err, d.closeStores())
		}
	}

	d.work = newWorkGroup(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			return serve(d.api.server, apiLn, d.config.API.ServerConfig, d.api.logger)
		},
	)
	if hookLn != nil {
		g.Go(
			func() error {
				return serve(d.webhook.server, hookLn, d.config.Discord.Webhook.ServerConfig, d.webhook.logger)
			},
		)
	}
	g.Go(
		func() error {
			return d.events.Listen(gctx, d.dispatch)
		},
	)
	g.Go(
		func() error {
			select {
			case <-d.stop:
				d.logger.Warn("stop requested")
				cancel()
			case <-gctx.Done():
			}
			return nil
		},
	)

	if err = d.waitForSetup(gctx); err == nil {
		err = d.connect(gctx)
	}
	if err == nil {
		g.Go(
			func() error {
				d.refreshLoop(gctx)
				return nil
			},
		)
		d.readyOnce.Do(func() { close(d.ready) })
		d.logger.InfoContext(ctx, "ready", "startup", time.Since(d.startedAt))
		<-gctx.Done()
	}

	cancel()
	return errors.Join(err, d.shutdown(), g.Wait())
}

// waitForSetup blocks until admin credentials are set, through the API
// or `beanbot init`. Returns nil if ctx is done first.
func (d *BeanBot) waitForSetup(ctx context.Context) error {
	if !d.pendingSetup.Load() {
		return nil
	}
	d.logger.WarnContext(
		ctx, "waiting on admin credentials, set them with `beanbot init` or POST "+apiPathSetup,
	)
	ticker := time.NewTicker(setupCheckInterval)
	defer ticker.Stop()

	for d.pendingSetup.Load() {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		cfg, err := d.loadRuntimeConfig(ctx)
		if err != nil {
			d.logger.ErrorContext(ctx, "error checking for admin credentials", tint.Err(err))
			continue
		}
		if cfg.adminSet() {
			d.cfgMu.Lock()
			d.applyRuntimeConfig(d.runtimeConfig, cfg)
			d.cfgMu.Unlock()
			d.pendingSetup.Store(false)
		}
	}
	return nil
}

// connect creates the session if needed, adds the gateway handlers, and
// opens the gateway connection unless it's disabled
func (d *BeanBot) connect(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	cfg := d.RuntimeConfig()
	if d.discord.session == nil {
		s, err := d.discord.newSession(cfg)
		if err != nil {
			return err
		}
		d.discord.session = s
	}

	d.discord.trackConnection(d.discord.session)
	d.discord.removeHandlers = append(
		d.discord.removeHandlers,
		d.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				d.work.Go(
					func(ctx context.Context) {
						d.handleInteraction(ctx, d.newHandler(i, TransportGateway))
					},
				)
			},
		),
	)

	if !cfg.DiscordGatewayEnabled {
		if d.webhook == nil {
			d.logger.WarnContext(ctx, "gateway and webhook both disabled, no interactions will arrive")
		}
		return nil
	}
	d.logger.InfoContext(ctx, "connecting to gateway")
	if err := d.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// refreshLoop reloads the runtime config every RuntimeConfigTTL, and
// whenever a reload event arrives
func (d *BeanBot) refreshLoop(ctx context.Context) {
	var tick <-chan time.Time
	if ttl := d.config.RuntimeConfigTTL; ttl > 0 {
		t := time.NewTicker(ttl)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-d.reload:
		}
		if err := d.refreshRuntimeConfig(ctx); err != nil {
			d.logger.ErrorContext(ctx, "error reloading runtime config", tint.Err(err))
		}
	}
}

func (d *BeanBot) refreshRuntimeConfig(ctx context.Context) error {
	cfg, err := d.loadRuntimeConfig(ctx)
	if err != nil {
		return err
	}
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	d.applyRuntimeConfig(d.runtimeConfig, cfg)
	d.logger.DebugContext(ctx, "reloaded runtime config", slog.Any("runtime_config", cfg))
	return nil
}

// dispatch handles an event locally. Repeated events are coalesced
// while one is pending.
func (d *BeanBot) dispatch(ev botEvent) {
	var ch chan struct{}
	switch ev {
	case eventReloadConfig:
		ch = d.reload
	case eventStop:
		ch = d.stop
	default:
		d.logger.Warn("unknown event", "event", ev)
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// broadcast handles ev here, and on every other instance sharing the
// database
func (d *BeanBot) broadcast(ctx context.Context, ev botEvent) error {
	d.dispatch(ev)
	if err := d.events.Publish(ctx, ev); err != nil {
		return fmt.Errorf("error publishing %s: %w", ev, err)
	}
	return nil
}

// shutdown stops taking interactions, gives those in progress until
// ShutdownTimeout to finish, then closes everything else. Prompts still
// waiting on a selection see the canceled runtime context and retract.
func (d *BeanBot) shutdown() error {
	timeout := d.config.ShutdownTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	d.logger.WarnContext(
		ctx, "shutting down",
		"timeout", timeout,
		"interactions_in_progress", d.inFlight.Load(),
		"prompts_waiting", d.collector.pending(),
	)

	var errs []error
	if d.discord.session != nil {
		for _, remove := range d.discord.removeHandlers {
			remove()
		}
		d.discord.removeHandlers = nil
		if err := d.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing gateway: %w", err))
		}
	}
	d.work.close()

	if d.webhook != nil {
		errs = append(errs, shutdownServer(ctx, d.webhook.server))
	}
	if err := d.work.wait(ctx); err != nil {
		d.logger.ErrorContext(
			ctx, "interactions still running at shutdown deadline",
			"interactions_in_progress", d.inFlight.Load(),
		)
		errs = append(errs, fmt.Errorf("interactions did not finish: %w", err))
	}
	errs = append(errs, shutdownServer(ctx, d.api.server), d.closeStores())

	err := errors.Join(errs...)
	if err != nil {
		d.logger.Error("shutdown finished with errors", "took", time.Since(start), tint.Err(err))
	} else {
		d.logger.Info("shutdown complete", "took", time.Since(start))
	}
	return err
}
