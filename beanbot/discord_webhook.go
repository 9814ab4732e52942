package beanbot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	headerSignature = "X-Signature-Ed25519"
	headerTimestamp = "X-Signature-Timestamp"

	maxWebhookBodySize = 1 << 20
)

// webhookResponseDeadline is how long a webhook request waits on the
// initial response. Discord gives up after 3 seconds.
var webhookResponseDeadline = 2500 * time.Millisecond

var errInvalidSignature = errors.New("invalid request signature")

// webhookServer receives interactions over HTTP, as an alternative to
// the gateway
type webhookServer struct {
	engine *gin.Engine
	server *http.Server
	logger *slog.Logger
}

func newWebhookServer(d *BeanBot) *webhookServer {
	cfg := d.config.Discord.Webhook
	w := &webhookServer{logger: newLogger(cfg.LogLevel, "discord_webhook")}
	w.engine, w.server = newHTTPServer(cfg.ServerConfig, d.config.API.Development, w.logger)
	w.engine.POST(apiDiscordInteractions, requireSignature(d.discord.publicKey), d.receiveWebhook)
	return w
}

// requireSignature rejects requests not signed with key
func requireSignature(key ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := verifyRequestSignature(c.Request, key); err != nil {
			requestLogger(c).Warn("rejected webhook request", tint.Err(err))
			replyError(c, http.StatusUnauthorized, "invalid signature")
			return
		}
		c.Next()
	}
}

// verifyRequestSignature checks the ed25519 signature Discord sends in
// X-Signature-Ed25519, over X-Signature-Timestamp followed by the body.
// The body is replaced, so it can be read again.
func verifyRequestSignature(r *http.Request, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: no public key configured", errInvalidSignature)
	}
	sig, err := hex.DecodeString(r.Header.Get(headerSignature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", errInvalidSignature)
	}
	timestamp := r.Header.Get(headerTimestamp)
	if timestamp == "" {
		return fmt.Errorf("%w: missing timestamp", errInvalidSignature)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidSignature, err)
	}

	if !ed25519.Verify(key, append([]byte(timestamp), body...), sig) {
		return errInvalidSignature
	}
	return nil
}

// receiveWebhook hands the interaction off, and replies with its initial
// response. Handling continues after the reply, so prompts can outlive
// the request.
func (d *BeanBot) receiveWebhook(c *gin.Context) {
	logger := requestLogger(c)

	body, err := c.GetRawData()
	if err != nil {
		replyError(c, http.StatusBadRequest, "error reading body")
		return
	}
	i := &discordgo.InteractionCreate{}
	if err = json.Unmarshal(body, i); err != nil {
		logger.Warn("malformed interaction", tint.Err(err))
		replyError(c, http.StatusBadRequest, "malformed interaction")
		return
	}

	response := newWebhookResponse()
	handler := webhookHandler{
		response:           response,
		InteractionHandler: d.newHandler(i, TransportWebhook),
	}
	done := make(chan struct{})
	started := d.work.Go(
		func(ctx context.Context) {
			defer close(done)
			d.handleInteraction(ctx, handler)
		},
	)
	if !started {
		replyError(c, http.StatusServiceUnavailable, "shutting down")
		return
	}

	// a delivered component is acknowledged by the prompt waiting on it,
	// after handleInteraction returns
	finished := done
	if i.Type == discordgo.InteractionMessageComponent {
		finished = nil
	}

	timer := time.NewTimer(webhookResponseDeadline)
	defer timer.Stop()
	select {
	case r := <-response.ch:
		c.JSON(http.StatusOK, r)
		return
	case <-finished:
	case <-timer.C:
	case <-c.Request.Context().Done():
	}

	if r := response.expire(); r != nil {
		c.JSON(http.StatusOK, r)
		return
	}
	logger.Warn("no response before deadline", "interaction_id", i.ID, "type", i.Type.String())
	replyError(c, http.StatusServiceUnavailable, "no response")
}

// webhookHandler writes the initial response to the webhook request.
// Anything else, including an initial response that missed the request,
// goes through the embedded REST handler.
type webhookHandler struct {
	response *webhookResponse
	InteractionHandler
}

func (w webhookHandler) Respond(ctx context.Context, r *discordgo.InteractionResponse) error {
	if w.response.offer(r) {
		return nil
	}
	w.Logger().WarnContext(ctx, "webhook request already answered or gone, responding via REST")
	return w.InteractionHandler.Respond(ctx, r)
}

// webhookResponse passes a single response from the handler to the
// waiting request
type webhookResponse struct {
	mu     sync.Mutex
	sent   bool
	closed bool
	ch     chan *discordgo.InteractionResponse
}

func newWebhookResponse() *webhookResponse {
	return &webhookResponse{ch: make(chan *discordgo.InteractionResponse, 1)}
}

// offer returns false if a response was already offered, or the
// request stopped waiting
func (r *webhookResponse) offer(response *discordgo.InteractionResponse) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent || r.closed {
		return false
	}
	r.sent = true
	r.ch <- response
	return true
}

// expire stops taking responses, returning one that was offered but
// not yet received
func (r *webhookResponse) expire() *discordgo.InteractionResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	select {
	case response := <-r.ch:
		return response
	default:
		return nil
	}
}
