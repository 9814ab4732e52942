package beanbot

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	minRoleMenuSelectTimeout = 5 * time.Second

	// the prompt is edited after the wait, so the wait has to end while
	// the interaction token is still good
	maxRoleMenuSelectTimeout = discordInteractionTokenLifespan - time.Minute
)

// RuntimeConfig holds the settings that can be changed through the admin
// API while the bot is running. There's a single row, shared by every
// instance using the same database.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	Paused                bool   `json:"paused" gorm:"not null;default:false"`
	DiscordGatewayEnabled bool   `json:"discord_gateway_enabled" gorm:"not null;default:true"`
	DiscordCustomStatus   string `json:"discord_custom_status" binding:"max=128"`

	// RecoverPanic recovers panics in command handlers, replying with
	// DiscordErrorMessage and reporting the panic to
	// DiscordNotificationChannelID when that's set
	RecoverPanic                 bool   `json:"recover_panic" gorm:"not null;default:false"`
	DiscordErrorMessage          string `json:"discord_error_message" binding:"min=1,max=2000"`
	DiscordNotificationChannelID string `json:"discord_notification_channel_id"`

	// RoleMenuSelectTimeout is how long a role selection prompt stays up
	// before it's deleted
	RoleMenuSelectTimeout Duration `json:"role_menu_select_timeout" gorm:"not null;default:'2m0s'"`

	// RoleMenuMinSelection is the fewest roles a member may submit from
	// a menu. At the default of 1, members can't clear a menu entirely.
	RoleMenuMinSelection       int    `json:"role_menu_min_selection" gorm:"not null;default:1" binding:"min=0,max=25"`
	RoleMenuCommandDescription string `json:"role_menu_command_description" binding:"min=1,max=100"`
	RolesCommandDescription    string `json:"roles_command_description" binding:"min=1,max=100"`

	AdminUsername string `json:"admin_username"`
	AdminPassword string `json:"-"`

	LogLevel               slog.Level `json:"log_level" gorm:"not null;default:0" binding:"oneof=-4 0 4 8"`
	DiscordLogLevel        slog.Level `json:"discord_log_level" gorm:"not null;default:4" binding:"oneof=-4 0 4 8"`
	DiscordGoLogLevel      slog.Level `json:"discordgo_log_level" gorm:"column:discordgo_log_level;not null;default:4" binding:"oneof=-4 0 4 8"`
	DatabaseLogLevel       slog.Level `json:"database_log_level" gorm:"not null;default:0" binding:"oneof=-4 0 4 8"`
	DiscordWebhookLogLevel slog.Level `json:"discord_webhook_log_level" gorm:"not null;default:0" binding:"oneof=-4 0 4 8"`
	APILogLevel            slog.Level `json:"api_log_level" gorm:"not null;default:0" binding:"oneof=-4 0 4 8"`
}

func (RuntimeConfig) TableName() string {
	return "runtime_config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("paused", r.Paused),
		slog.Bool("gateway_enabled", r.DiscordGatewayEnabled),
		slog.Bool("recover_panic", r.RecoverPanic),
		slog.Duration("role_menu_select_timeout", r.RoleMenuSelectTimeout.Duration),
		slog.Int("role_menu_min_selection", r.RoleMenuMinSelection),
		slog.Bool("admin_set", r.adminSet()),
	)
}

func (r RuntimeConfig) adminSet() bool {
	return r.AdminUsername != "" && r.AdminPassword != ""
}

// commandOptions returns the settings each interaction handler carries
func (r RuntimeConfig) commandOptions() CommandOptions {
	return CommandOptions{
		RecoverPanic:                 r.RecoverPanic,
		DiscordErrorMessage:          r.DiscordErrorMessage,
		DiscordNotificationChannelID: r.DiscordNotificationChannelID,
	}
}

// CommandOptions is the part of RuntimeConfig that's captured when an
// interaction arrives, and used for the rest of its handling
type CommandOptions struct {
	RecoverPanic                 bool
	DiscordErrorMessage          string
	DiscordNotificationChannelID string
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordGatewayEnabled:      true,
		DiscordCustomStatus:        DefaultDiscordCustomStatus,
		DiscordErrorMessage:        DefaultDiscordErrorMessage,
		RoleMenuSelectTimeout:      Duration{DefaultRoleMenuSelectTimeout},
		RoleMenuMinSelection:       DefaultRoleMenuMinSelection,
		RoleMenuCommandDescription: DefaultRoleMenuCommandDescription,
		RolesCommandDescription:    DefaultRolesCommandDescription,
		LogLevel:                   slog.LevelInfo,
		DiscordLogLevel:            slog.LevelWarn,
		DiscordGoLogLevel:          slog.LevelWarn,
		DatabaseLogLevel:           slog.LevelInfo,
		DiscordWebhookLogLevel:     slog.LevelInfo,
		APILogLevel:                slog.LevelInfo,
	}
}

// RuntimeConfigUpdate is the PATCH body for RuntimeConfig. Nil fields
// are left alone.
//
//nolint:lll // struct tags can't be split
type RuntimeConfigUpdate struct {
	Paused                *bool   `json:"paused,omitempty"`
	DiscordGatewayEnabled *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus   *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`

	RecoverPanic                 *bool   `json:"recover_panic,omitempty"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	RoleMenuSelectTimeout      *Duration `json:"role_menu_select_timeout,omitempty"`
	RoleMenuMinSelection       *int      `json:"role_menu_min_selection,omitempty" binding:"omitnil,min=0,max=25"`
	RoleMenuCommandDescription *string   `json:"role_menu_command_description,omitempty" binding:"omitnil,min=1,max=100"`
	RolesCommandDescription    *string   `json:"roles_command_description,omitempty" binding:"omitnil,min=1,max=100"`

	LogLevel               *slog.Level `json:"log_level,omitempty" binding:"omitnil,oneof=-4 0 4 8"`
	DiscordLogLevel        *slog.Level `json:"discord_log_level,omitempty" binding:"omitnil,oneof=-4 0 4 8"`
	DiscordGoLogLevel      *slog.Level `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=-4 0 4 8"`
	DatabaseLogLevel       *slog.Level `json:"database_log_level,omitempty" binding:"omitnil,oneof=-4 0 4 8"`
	DiscordWebhookLogLevel *slog.Level `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=-4 0 4 8"`
	APILogLevel            *slog.Level `json:"api_log_level,omitempty" binding:"omitnil,oneof=-4 0 4 8"`
}

var errEmptyUpdate = errors.New("no updates given")

func (u RuntimeConfigUpdate) validate() error {
	if u == (RuntimeConfigUpdate{}) {
		return errEmptyUpdate
	}
	if err := structValidator.Struct(u); err != nil {
		return err
	}
	if u.RoleMenuSelectTimeout != nil {
		timeout := u.RoleMenuSelectTimeout.Duration
		if timeout < minRoleMenuSelectTimeout || timeout > maxRoleMenuSelectTimeout {
			return fmt.Errorf(
				"role_menu_select_timeout must be between %s and %s",
				minRoleMenuSelectTimeout,
				maxRoleMenuSelectTimeout,
			)
		}
	}
	return nil
}

// apply copies every non-nil field of u onto cfg
func (u RuntimeConfigUpdate) apply(cfg *RuntimeConfig) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setLevel := func(dst *slog.Level, src *slog.Level) {
		if src != nil {
			*dst = *src
		}
	}

	setBool(&cfg.Paused, u.Paused)
	setBool(&cfg.DiscordGatewayEnabled, u.DiscordGatewayEnabled)
	setBool(&cfg.RecoverPanic, u.RecoverPanic)
	set(&cfg.DiscordCustomStatus, u.DiscordCustomStatus)
	set(&cfg.DiscordErrorMessage, u.DiscordErrorMessage)
	set(&cfg.DiscordNotificationChannelID, u.DiscordNotificationChannelID)
	set(&cfg.RoleMenuCommandDescription, u.RoleMenuCommandDescription)
	set(&cfg.RolesCommandDescription, u.RolesCommandDescription)
	if u.RoleMenuSelectTimeout != nil {
		cfg.RoleMenuSelectTimeout = *u.RoleMenuSelectTimeout
	}
	if u.RoleMenuMinSelection != nil {
		cfg.RoleMenuMinSelection = *u.RoleMenuMinSelection
	}
	setLevel(&cfg.LogLevel, u.LogLevel)
	setLevel(&cfg.DiscordLogLevel, u.DiscordLogLevel)
	setLevel(&cfg.DiscordGoLogLevel, u.DiscordGoLogLevel)
	setLevel(&cfg.DatabaseLogLevel, u.DatabaseLogLevel)
	setLevel(&cfg.DiscordWebhookLogLevel, u.DiscordWebhookLogLevel)
	setLevel(&cfg.APILogLevel, u.APILogLevel)
}

// Duration stores a time.Duration as its string form ("2m0s"), both in
// the database and in JSON
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d *Duration) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return d.UnmarshalText([]byte(v))
	case []byte:
		return d.UnmarshalText(v)
	}
	return fmt.Errorf("can't scan %T into Duration", value)
}

func (d Duration) Value() (driver.Value, error) {
	return d.String(), nil
}

func (Duration) GormDataType() string {
	return "string"
}

// presenceUpdate is the presence sent when identifying with the gateway
func presenceUpdate(cfg RuntimeConfig) discordgo.GatewayStatusUpdate {
	if cfg.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	update := discordgo.GatewayStatusUpdate{Status: string(discordgo.StatusOnline)}
	if cfg.DiscordCustomStatus != "" {
		update.Game = discordgo.Activity{
			Name:  "Custom Status",
			Type:  discordgo.ActivityTypeCustom,
			State: cfg.DiscordCustomStatus,
		}
	}
	return update
}
