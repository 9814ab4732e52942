package beanbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// roleMenuCustomIDPrefix prefixes the custom ID of every select menu
// rendered by a role menu prompt
const roleMenuCustomIDPrefix = "rolemenu"

var ErrInteractionTimeout = errors.New("timed out waiting for interaction")

// componentCollector routes message component interactions to the
// prompt that rendered them.
//
// Each prompt registers a single-shot waiter under a random token, which
// is embedded in the component's custom ID. A component interaction is
// only delivered to the waiter with a matching token, and only if it was
// sent by the user the prompt was shown to.
type componentCollector struct {
	mu      sync.Mutex
	waiters map[string]*pendingComponent
	logger  *slog.Logger
}

func newComponentCollector(logger *slog.Logger) *componentCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &componentCollector{
		waiters: map[string]*pendingComponent{},
		logger:  logger.With(loggerNameKey, "component_collector"),
	}
}

// pendingComponent is a registered waiter for one component interaction
type pendingComponent struct {
	token     string
	userID    string
	customID  string
	ch        chan InteractionHandler
	collector *componentCollector
}

// register adds a waiter for a component interaction from userID. The
// waiter must be registered before the component is sent, and released
// with cancel once the caller is done with it.
func (c *componentCollector) register(userID string) *pendingComponent {
	token := uuid.NewString()
	p := &pendingComponent{
		token:     token,
		userID:    userID,
		customID:  roleMenuCustomIDPrefix + ":" + token,
		ch:        make(chan InteractionHandler, 1),
		collector: c,
	}
	c.mu.Lock()
	c.waiters[token] = p
	c.mu.Unlock()
	return p
}

// deliver hands the component interaction to the waiter whose token
// matches its custom ID. Returns false if no waiter accepted it.
func (c *componentCollector) deliver(handler InteractionHandler) bool {
	i := handler.Interaction()
	logger := handler.Logger()
	customID := i.MessageComponentData().CustomID

	prefix, token, found := strings.Cut(customID, ":")
	if !found || prefix != roleMenuCustomIDPrefix {
		logger.Warn("unrecognized component custom ID", "custom_id", customID)
		return false
	}

	var userID string
	if u := getDiscordUser(i); u != nil {
		userID = u.ID
	}

	// the handoff happens under the lock, so once cancel has removed a
	// waiter, nothing more can land on its channel
	c.mu.Lock()
	p, ok := c.waiters[token]
	if ok && p.userID == userID {
		delete(c.waiters, token)
		p.ch <- handler
	}
	c.mu.Unlock()

	switch {
	case !ok:
		logger.Info("no prompt waiting on component, ignoring", "custom_id", customID)
		return false
	case p.userID != userID:
		logger.Warn(
			"component interaction from another user, ignoring",
			"custom_id", customID,
			"expected_user_id", p.userID,
			"user_id", userID,
		)
		return false
	}
	return true
}

// pending returns the number of registered waiters
func (c *componentCollector) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Wait blocks until the component interaction is delivered, returning
// its handler. ErrInteractionTimeout is returned if nothing arrives
// within timeout, or if ctx is done first.
func (p *pendingComponent) Wait(ctx context.Context, timeout time.Duration) (
	InteractionHandler,
	error,
) {
	defer p.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case h := <-p.ch:
		return h, nil
	case <-timer.C:
		err = ErrInteractionTimeout
	case <-ctx.Done():
		err = fmt.Errorf("%w: %w", ErrInteractionTimeout, ctx.Err())
	}

	// a delivery may have won the race with the timer
	p.cancel()
	select {
	case h := <-p.ch:
		return h, nil
	default:
		return nil, err
	}
}

// cancel removes the waiter, if it's still registered
func (p *pendingComponent) cancel() {
	p.collector.mu.Lock()
	defer p.collector.mu.Unlock()
	if w, ok := p.collector.waiters[p.token]; ok && w == p {
		delete(p.collector.waiters, p.token)
	}
}
