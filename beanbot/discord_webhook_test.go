package beanbot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedRequest(t testing.TB, key ed25519.PrivateKey, body []byte) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := ed25519.Sign(key, append([]byte(timestamp), body...))

	req := httptest.NewRequest(http.MethodPost, apiDiscordInteractions, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	req.Header.Set("X-Signature-Timestamp", timestamp)
	return req
}

func TestVerifyRequest(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	body := []byte(`{"type":1}`)

	req := signedRequest(t, priv, body)
	require.NoError(t, verifyRequestSignature(req, pub))

	// the body can still be read afterward
	restored, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, restored)

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	assert.ErrorIs(t, verifyRequestSignature(signedRequest(t, priv, body), otherPub), errInvalidSignature)

	tampered := signedRequest(t, priv, body)
	tampered.Body = io.NopCloser(bytes.NewReader([]byte(`{"type":2}`)))
	assert.ErrorIs(t, verifyRequestSignature(tampered, pub), errInvalidSignature)

	noSig := signedRequest(t, priv, body)
	noSig.Header.Del("X-Signature-Ed25519")
	assert.ErrorIs(t, verifyRequestSignature(noSig, pub), errInvalidSignature)

	noTimestamp := signedRequest(t, priv, body)
	noTimestamp.Header.Del("X-Signature-Timestamp")
	assert.ErrorIs(t, verifyRequestSignature(noTimestamp, pub), errInvalidSignature)

	badHex := signedRequest(t, priv, body)
	badHex.Header.Set("X-Signature-Ed25519", "zz")
	assert.ErrorIs(t, verifyRequestSignature(badHex, pub), errInvalidSignature)

	assert.ErrorIs(t, verifyRequestSignature(signedRequest(t, priv, body), nil), errInvalidSignature)
}

func TestWebhookResponse(t *testing.T) {
	first := &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong}

	r := newWebhookResponse()
	assert.True(t, r.offer(first))
	assert.False(t, r.offer(&discordgo.InteractionResponse{}))
	assert.Same(t, first, r.expire())

	r = newWebhookResponse()
	assert.Nil(t, r.expire())
	assert.False(t, r.offer(first))
}

func TestWebhookHandler_RespondFallsBack(t *testing.T) {
	bot, _ := newTestBot(t)
	i := newCommandInteraction(newTestAdmin(), DiscordSlashCommandRoles, rolesSubcommandUse)
	stub := newStubHandler(t, bot, i)

	response := newWebhookResponse()
	handler := webhookHandler{response: response, InteractionHandler: stub}

	ctx := context.Background()
	first := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseChannelMessageWithSource}
	require.NoError(t, handler.Respond(ctx, first))
	assert.Same(t, first, receive(t, response.ch))
	assert.Empty(t, stub.callRespond)

	// later responses go through the REST handler
	second := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}
	require.NoError(t, handler.Respond(ctx, second))
	assert.Same(t, second, receive(t, stub.callRespond))
}

// newWebhookTestBot returns a bot with the webhook server enabled, and
// the key its requests must be signed with
func newWebhookTestBot(t testing.TB) (*BeanBot, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	bot, _ := newTestBot(
		t, func(cfg *Config) {
			cfg.Discord.Webhook.Enabled = true
			cfg.Discord.Webhook.PublicKey = hex.EncodeToString(pub)
		},
	)
	require.NotNil(t, bot.webhook)

	ctx, cancel := context.WithCancel(context.Background())
	bot.work = newWorkGroup(ctx)
	t.Cleanup(
		func() {
			cancel()
			bot.work.close()
			_ = bot.work.wait(context.Background())
		},
	)

	bot.newHandler = func(i *discordgo.InteractionCreate, tr Transport) InteractionHandler {
		h := newStubHandler(t, bot, i)
		h.transport = tr
		return h
	}
	return bot, priv
}

func TestWebhookServer_Ping(t *testing.T) {
	bot, priv := newWebhookTestBot(t)

	body := []byte(`{"id":"ping-1","type":1,"application_id":"test-application-id"}`)
	w := httptest.NewRecorder()
	bot.webhook.engine.ServeHTTP(w, signedRequest(t, priv, body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var response discordgo.InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, discordgo.InteractionResponsePong, response.Type)
}

func TestWebhookServer_InvalidSignature(t *testing.T) {
	bot, _ := newWebhookTestBot(t)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	bot.webhook.engine.ServeHTTP(
		w,
		signedRequest(t, otherKey, []byte(`{"id":"ping-1","type":1}`)),
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookServer_Command(t *testing.T) {
	bot, priv := newWebhookTestBot(t)

	i := newCommandInteraction(
		newTestAdmin(),
		DiscordSlashCommandRoleMenu,
		roleMenuSubcommandDelete,
		stringOption(roleMenuOptionName, "missing"),
	)
	body, err := json.Marshal(i)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	bot.webhook.engine.ServeHTTP(w, signedRequest(t, priv, body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var response discordgo.InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, response.Type)
	require.NotNil(t, response.Data)
	assert.Contains(t, response.Data.Content, "missing")
}

func TestWebhookServer_UndeliveredComponent(t *testing.T) {
	bot, priv := newWebhookTestBot(t)

	deadline := webhookResponseDeadline
	webhookResponseDeadline = 50 * time.Millisecond
	t.Cleanup(func() { webhookResponseDeadline = deadline })

	i := newComponentInteraction(newTestAdmin(), roleMenuCustomIDPrefix+":expired", "r1")
	body, err := json.Marshal(i)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	bot.webhook.engine.ServeHTTP(w, signedRequest(t, priv, body))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhookServer_RecordsTransport(t *testing.T) {
	bot, priv := newWebhookTestBot(t)

	i := newCommandInteraction(
		newTestAdmin(),
		DiscordSlashCommandRoleMenu,
		roleMenuSubcommandDelete,
		stringOption(roleMenuOptionName, "missing"),
	)
	body, err := json.Marshal(i)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	bot.webhook.engine.ServeHTTP(w, signedRequest(t, priv, body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, bot.work.wait(context.Background()))

	var logged InteractionLog
	require.NoError(t, bot.db.Where("interaction_id = ?", i.ID).First(&logged).Error)
	assert.Equal(t, TransportWebhook, logged.Transport)
}

func TestWebhookServer_ShuttingDown(t *testing.T) {
	bot, priv := newWebhookTestBot(t)
	bot.work.close()

	w := httptest.NewRecorder()
	bot.webhook.engine.ServeHTTP(
		w,
		signedRequest(t, priv, []byte(`{"id":"ping-1","type":1,"application_id":"test-application-id"}`)),
	)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhookServer_MalformedBody(t *testing.T) {
	bot, priv := newWebhookTestBot(t)

	w := httptest.NewRecorder()
	bot.webhook.engine.ServeHTTP(w, signedRequest(t, priv, []byte(`{"type":`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
