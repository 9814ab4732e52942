package beanbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Transport is how an interaction reached the bot
type Transport string

const (
	TransportGateway Transport = "gateway"
	TransportWebhook Transport = "webhook"
)

// promptRetractTimeout bounds deleting an abandoned prompt, which may
// happen after the runtime context is canceled
var promptRetractTimeout = 10 * time.Second

// InteractionHandler is how command handlers answer an interaction,
// whichever transport delivered it.
type InteractionHandler interface {
	// Respond sends the initial response
	Respond(ctx context.Context, r *discordgo.InteractionResponse) error

	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	Interaction() *discordgo.InteractionCreate
	Transport() Transport
	Logger() *slog.Logger

	// Config is the runtime config as of when the interaction arrived
	Config() CommandOptions
}

// restHandler answers an interaction through the REST API
type restHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	transport   Transport
	logger      *slog.Logger
	config      CommandOptions
}

// handlerFor is the default newHandler
func (d *BeanBot) handlerFor(i *discordgo.InteractionCreate, t Transport) InteractionHandler {
	return restHandler{
		session:     d.discord.session,
		interaction: i,
		transport:   t,
		logger:      d.logger.With(interactionAttrs(i), "transport", t),
		config:      d.RuntimeConfig().commandOptions(),
	}
}

func (h restHandler) Respond(ctx context.Context, r *discordgo.InteractionResponse) error {
	err := h.session.InteractionRespond(h.interaction.Interaction, r, discordgo.WithContext(ctx))
	if err != nil {
		h.logger.ErrorContext(ctx, "error responding", "response_type", r.Type, tint.Err(err))
		return err
	}
	h.logger.DebugContext(ctx, "responded", "response_type", r.Type)
	return nil
}

func (h restHandler) Edit(
	ctx context.Context,
	e *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	opts = append(opts, discordgo.WithContext(ctx))
	msg, err := h.session.InteractionResponseEdit(h.interaction.Interaction, e, opts...)
	if err != nil {
		h.logger.ErrorContext(ctx, "error editing response", tint.Err(err))
	}
	return msg, err
}

func (h restHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	opts = append(opts, discordgo.WithContext(ctx))
	if err := h.session.InteractionResponseDelete(h.interaction.Interaction, opts...); err != nil {
		h.logger.ErrorContext(ctx, "error deleting response", tint.Err(err))
	}
}

func (h restHandler) Interaction() *discordgo.InteractionCreate { return h.interaction }
func (h restHandler) Transport() Transport                      { return h.transport }
func (h restHandler) Logger() *slog.Logger                      { return h.logger }
func (h restHandler) Config() CommandOptions                    { return h.config }

// handleInteraction records the interaction, then routes it by type.
// Pings get a pong and aren't recorded. Interactions from bots are
// recorded, then dropped.
func (d *BeanBot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	i := handler.Interaction()
	logger := handler.Logger()

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
		return
	}

	user := getDiscordUser(i)
	if user == nil {
		logger.ErrorContext(ctx, "interaction has no user")
		return
	}
	logger = logger.With("user_id", user.ID)
	ctx = withLogger(ctx, logger)
	logger.InfoContext(ctx, "received interaction", "username", user.String())

	d.recordInteraction(ctx, handler, user)
	if user.Bot {
		logger.WarnContext(ctx, "ignoring interaction from bot")
		return
	}

	if handler.Config().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				d.handleRecover(ctx, rc)
			}
		}()
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommandAutocomplete:
		d.handleAutocomplete(ctx, handler)
	case discordgo.InteractionMessageComponent:
		if !d.collector.deliver(handler) {
			logger.InfoContext(ctx, "no prompt waiting on component")
		}
	case discordgo.InteractionApplicationCommand:
		name := i.ApplicationCommandData().Name
		if d.paused.Load() {
			logger.WarnContext(ctx, "paused, rejecting command", "command", name)
			d.reply(ctx, handler, handler.Config().DiscordErrorMessage)
			return
		}
		logger.InfoContext(ctx, "running command", "command", name)
		switch name {
		case DiscordSlashCommandRoleMenu:
			d.handleRoleMenuCommand(ctx, handler)
		case DiscordSlashCommandRoles:
			d.handleRolesCommand(ctx, handler)
		default:
			logger.WarnContext(ctx, "unknown command", "command", name)
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
	}
}

func (d *BeanBot) recordInteraction(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
) {
	entry, err := newInteractionLog(handler.Interaction(), user, handler.Transport())
	if err == nil {
		_, err = d.writer.exec(
			ctx, func(tx *gorm.DB) *gorm.DB {
				return tx.Create(entry)
			},
		)
	}
	if err != nil {
		handler.Logger().ErrorContext(ctx, "error recording interaction", tint.Err(err))
	}
}

// handleRecover logs a recovered panic, and reports it to the
// notification channel
func (d *BeanBot) handleRecover(ctx context.Context, rc any) {
	err, ok := rc.(error)
	if !ok {
		err = fmt.Errorf("%v", rc)
	}
	loggerFrom(ctx, d.logger).ErrorContext(
		ctx, "recovered from panic",
		tint.Err(err),
		"stack", string(debug.Stack()),
	)
	d.discord.notify(
		d.RuntimeConfig().DiscordNotificationChannelID,
		"recovered from panic: "+err.Error(),
	)
}

// reply responds with an ephemeral message
func (d *BeanBot) reply(ctx context.Context, handler InteractionHandler, content string) {
	err := handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		handler.Logger().WarnContext(ctx, "reply not sent", tint.Err(err))
	}
}

// editPrompt replaces a prompt's content, removing its components
func (d *BeanBot) editPrompt(ctx context.Context, handler InteractionHandler, content string) {
	_, _ = handler.Edit(
		ctx, &discordgo.WebhookEdit{
			Content:    &content,
			Components: &[]discordgo.MessageComponent{},
		},
	)
}

// retractPrompt deletes an abandoned prompt
func (d *BeanBot) retractPrompt(handler InteractionHandler) {
	ctx, cancel := context.WithTimeout(context.Background(), promptRetractTimeout)
	defer cancel()
	handler.Delete(ctx)
}

// acknowledgeComponent defers an update to the message the component
// is attached to
func acknowledgeComponent(ctx context.Context, handler InteractionHandler) error {
	return handler.Respond(
		ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate},
	)
}
