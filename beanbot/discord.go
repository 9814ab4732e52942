package beanbot

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandRoleMenu = "rolemenu"
	DiscordSlashCommandRoles    = "roles"

	roleMenuSubcommandNew    = "new"
	roleMenuSubcommandDelete = "delete"
	roleMenuSubcommandRename = "rename"
	rolesSubcommandUse       = "use"

	roleMenuOptionName          = "name"
	roleMenuOptionMaxSelectable = "max_selectable"
	roleMenuOptionFrom          = "from"
	roleMenuOptionTo            = "to"

	// interaction tokens stop working after this long
	discordInteractionTokenLifespan = 15 * time.Minute

	discordSelectOptionLabelMaxLength = 100
	discordMessageMaxLength           = 2000
)

// DiscordSessionHandler is the part of *discordgo.Session the bot uses
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()

	UpdateCustomStatus(status string) error
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// guildID is empty for global commands
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		edit *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildMemberRoleAdd(
		guildID, userID, roleID string,
		options ...discordgo.RequestOption,
	) error
	GuildMemberRoleRemove(
		guildID, userID, roleID string,
		options ...discordgo.RequestOption,
	) error
}

var _ DiscordSessionHandler = (*discordgo.Session)(nil)

// Discord holds the bot's session, and tracks the state of its gateway
// connection
type Discord struct {
	config    *DiscordConfig
	session   DiscordSessionHandler
	logger    *slog.Logger
	publicKey ed25519.PublicKey

	connected   atomic.Bool
	connects    atomic.Int64
	disconnects atomic.Int64

	removeHandlers []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) (*Discord, error) {
	d := &Discord{config: config, logger: logger}
	if key := config.Webhook.PublicKey; key != "" {
		b, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook public key: %w", err)
		}
		if len(b) != ed25519.PublicKeySize {
			return nil, fmt.Errorf(
				"invalid webhook public key: got %d bytes, expected %d",
				len(b), ed25519.PublicKeySize,
			)
		}
		d.publicKey = b
	}
	return d, nil
}

// newSession returns a session that identifies with the presence for
// cfg. It only needs the guilds intent, since interactions are
// delivered regardless of intents.
func (d *Discord) newSession(cfg RuntimeConfig) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	s.StateEnabled = false
	s.SyncEvents = true
	s.LogLevel = discordgo.LogDebug
	s.Identify.Intents = discordgo.IntentsGuilds
	s.Identify.Presence = presenceUpdate(cfg)
	return s, nil
}

func (d *Discord) trackConnection(s DiscordSessionHandler) {
	for _, remove := range d.removeHandlers {
		remove()
	}
	d.removeHandlers = []func(){
		s.AddHandler(
			func(_ *discordgo.Session, r *discordgo.Ready) {
				attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
				if r.User != nil {
					attrs = append(attrs, "user", r.User.String())
				}
				d.logger.Info("gateway ready", attrs...)
			},
		),
		s.AddHandler(
			func(*discordgo.Session, *discordgo.Connect) {
				d.connected.Store(true)
				d.logger.Info("gateway connected", "connects", d.connects.Add(1))
			},
		),
		s.AddHandler(
			func(*discordgo.Session, *discordgo.Disconnect) {
				d.connected.Store(false)
				d.logger.Warn("gateway disconnected", "disconnects", d.disconnects.Add(1))
			},
		),
	}
}

// commands returns the bot's slash commands, with descriptions from cfg
func commands(cfg RuntimeConfig) []*discordgo.ApplicationCommand {
	guildOnly := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	noDMs := false
	manageRoles := int64(discordgo.PermissionManageRoles)
	oneChar := 1
	oneRole := 1.0

	menuName := func(name, description string, autocomplete bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:         discordgo.ApplicationCommandOptionString,
			Name:         name,
			Description:  description,
			Required:     true,
			Autocomplete: autocomplete,
			MinLength:    &oneChar,
			MaxLength:    roleMenuNameMaxLength,
		}
	}
	subcommand := func(name, description string, opts ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        name,
			Description: description,
			Options:     opts,
		}
	}

	return []*discordgo.ApplicationCommand{
		{
			// hidden from members without Manage Roles
			Name:                     DiscordSlashCommandRoleMenu,
			Description:              cfg.RoleMenuCommandDescription,
			DefaultMemberPermissions: &manageRoles,
			DMPermission:             &noDMs,
			Contexts:                 &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				subcommand(
					roleMenuSubcommandNew, "Create a new role menu",
					menuName(roleMenuOptionName, "Name of the role menu", false),
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        roleMenuOptionMaxSelectable,
						Description: "Most roles a member can hold from this menu",
						MinValue:    &oneRole,
						MaxValue:    maxSelectMenuOptions,
					},
				),
				subcommand(
					roleMenuSubcommandDelete, "Delete a role menu",
					menuName(roleMenuOptionName, "Name of the role menu", true),
				),
				subcommand(
					roleMenuSubcommandRename, "Rename a role menu",
					menuName(roleMenuOptionFrom, "Current name of the role menu", true),
					menuName(roleMenuOptionTo, "New name for the role menu", false),
				),
			},
		},
		{
			Name:         DiscordSlashCommandRoles,
			Description:  cfg.RolesCommandDescription,
			DMPermission: &noDMs,
			Contexts:     &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				subcommand(
					rolesSubcommandUse, "Pick your roles from a role menu",
					&discordgo.ApplicationCommandOption{
						Type:         discordgo.ApplicationCommandOptionString,
						Name:         roleMenuOptionName,
						Description:  "Name of the role menu",
						Required:     true,
						Autocomplete: true,
					},
				),
			},
		},
	}
}

// registerCommands overwrites the application's commands, in the
// configured guild or globally
func (d *Discord) registerCommands(
	cfg RuntimeConfig,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	registered, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands(cfg),
		options...,
	)
	if err != nil {
		return nil, fmt.Errorf("error registering commands: %w", err)
	}
	for _, c := range registered {
		d.logger.Info("registered command", "name", c.Name, "id", c.ID, "guild_id", d.config.GuildID)
	}
	return registered, nil
}

// notify posts content to channelID, if one is set
func (d *Discord) notify(channelID string, content string) {
	if channelID == "" || d.session == nil {
		return
	}
	_, err := d.session.ChannelMessageSend(
		channelID,
		truncate(content, discordMessageMaxLength),
		discordgo.WithRestRetries(1),
	)
	if err != nil {
		d.logger.Error("error sending notification", "channel_id", channelID, tint.Err(err))
	}
}

// applyPresence brings the gateway connection and presence in line with
// cfg, given the previous config
func (d *Discord) applyPresence(prev, cfg RuntimeConfig) {
	if d.session == nil {
		return
	}
	switch {
	case prev.DiscordGatewayEnabled && !cfg.DiscordGatewayEnabled:
		d.logger.Warn("gateway disabled, closing connection")
		if err := d.session.Close(); err != nil {
			d.logger.Error("error closing gateway connection", tint.Err(err))
		}
	case !prev.DiscordGatewayEnabled && cfg.DiscordGatewayEnabled:
		if s, ok := d.session.(*discordgo.Session); ok {
			s.Identify.Presence = presenceUpdate(cfg)
		}
		d.logger.Info("gateway enabled, connecting")
		if err := d.session.Open(); err != nil {
			d.logger.Error("error opening gateway connection", tint.Err(err))
		}
	case !cfg.DiscordGatewayEnabled:
	case cfg.Paused && !prev.Paused:
		err := d.session.UpdateStatusComplex(
			discordgo.UpdateStatusData{AFK: true, Status: string(discordgo.StatusDoNotDisturb)},
		)
		if err != nil {
			d.logger.Error("error updating status", tint.Err(err))
		}
	case !cfg.Paused && (prev.Paused || prev.DiscordCustomStatus != cfg.DiscordCustomStatus):
		if err := d.session.UpdateCustomStatus(cfg.DiscordCustomStatus); err != nil {
			d.logger.Error("error updating status", tint.Err(err))
		}
	}
}
