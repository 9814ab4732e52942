package beanbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// pgEventChannel is the postgres NOTIFY channel shared by every
// instance using the same database
const pgEventChannel = "beanbot_events"

var pgListenRetryDelay = 5 * time.Second

// botEvent is a request broadcast to every running instance
type botEvent string

const (
	eventReloadConfig botEvent = "reload_config"
	eventStop         botEvent = "stop"
)

type eventMessage struct {
	Origin string   `json:"origin"`
	Event  botEvent `json:"event"`
}

// eventBus carries events between instances sharing a database. An
// instance never receives its own events, so publishers handle them
// locally as well.
type eventBus interface {
	Publish(ctx context.Context, ev botEvent) error

	// Listen calls fn for each event published by another instance,
	// until ctx is done
	Listen(ctx context.Context, fn func(botEvent)) error
}

// newEventBus returns a bus for db. sqlite databases belong to a single
// process, so there's nobody to notify. Listening on postgres needs its
// own connection, opened with dsn.
func newEventBus(db *gorm.DB, dsn string, logger *slog.Logger) eventBus {
	if db.Dialector.Name() != dbTypePostgres || dsn == "" {
		return localEvents{}
	}
	return &pgEvents{
		dsn:    dsn,
		db:     db,
		origin: uuid.NewString(),
		logger: logger.With(loggerNameKey, "events"),
	}
}

type localEvents struct{}

func (localEvents) Publish(context.Context, botEvent) error {
	return nil
}

func (localEvents) Listen(ctx context.Context, _ func(botEvent)) error {
	<-ctx.Done()
	return nil
}

// pgEvents publishes with pg_notify, and listens on a dedicated
// connection which is re-established if it drops
type pgEvents struct {
	dsn    string
	db     *gorm.DB
	origin string
	logger *slog.Logger
}

func (p *pgEvents) Publish(ctx context.Context, ev botEvent) error {
	payload, err := json.Marshal(eventMessage{Origin: p.origin, Event: ev})
	if err != nil {
		return err
	}
	return p.db.WithContext(ctx).
		Exec("SELECT pg_notify(?, ?)", pgEventChannel, string(payload)).
		Error
}

func (p *pgEvents) Listen(ctx context.Context, fn func(botEvent)) error {
	for {
		err := p.listen(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		p.logger.ErrorContext(ctx, "event listener stopped, reconnecting", tint.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pgListenRetryDelay):
		}
	}
}

func (p *pgEvents) listen(ctx context.Context, fn func(botEvent)) error {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{pgEventChannel}.Sanitize()); err != nil {
		return fmt.Errorf("error listening on %s: %w", pgEventChannel, err)
	}
	p.logger.InfoContext(ctx, "listening for events", "channel", pgEventChannel)

	for {
		n, e := conn.WaitForNotification(ctx)
		if e != nil {
			return e
		}
		var msg eventMessage
		if e = json.Unmarshal([]byte(n.Payload), &msg); e != nil {
			p.logger.WarnContext(ctx, "ignoring malformed event", "payload", n.Payload)
			continue
		}
		if msg.Origin == p.origin {
			continue
		}
		p.logger.InfoContext(ctx, "received event", "event", msg.Event, "origin", msg.Origin)
		fn(msg.Event)
	}
}
