package beanbot

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"gorm.io/datatypes"
)

const columnInteractionLogGuildID = "guild_id"

// InteractionLog records every interaction the bot receives
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Transport     Transport      `json:"transport" gorm:"type:string"`
	InteractionID string         `json:"interaction_id" gorm:"not null"`
	Type          string         `json:"type" gorm:"type:string"`
	UserID        string         `json:"user_id" gorm:"not null;index"`
	Username      string         `json:"username" gorm:"type:string"`
	AppID         string         `json:"application_id" gorm:"type:string"`
	GuildID       string         `json:"guild_id" gorm:"type:string;index"`
	ChannelID     string         `json:"channel_id" gorm:"type:string"`
	Context       string         `json:"context" gorm:"type:string"`
	Payload       datatypes.JSON `json:"payload"`
	CreatedAt     int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (l InteractionLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("interaction_id", l.InteractionID),
		slog.String("type", l.Type),
		slog.String("user_id", l.UserID),
		slog.String("guild_id", l.GuildID),
		slog.String("transport", string(l.Transport)),
	)
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	transport Transport,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	return &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       i.Context.String(),
		Payload:       datatypes.JSON(p),
		Transport:     transport,
	}, nil
}

// getDiscordUser returns the user who triggered the interaction. In
// guilds, this is only set on the member.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// memberRoles returns the role IDs held by the interaction's member
func memberRoles(i *discordgo.InteractionCreate) []string {
	if i.Member == nil {
		return []string{}
	}
	return i.Member.Roles
}
