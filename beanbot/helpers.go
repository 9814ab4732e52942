package beanbot

import (
	"log/slog"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

type commandOption = *discordgo.ApplicationCommandInteractionDataOption

// commandOptions returns the name of the invoked subcommand, if any,
// along with the options it was given, keyed by name
func commandOptions(i *discordgo.InteractionCreate) (string, map[string]commandOption) {
	opts := i.ApplicationCommandData().Options
	sub := ""
	if len(opts) == 1 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		sub, opts = opts[0].Name, opts[0].Options
	}
	byName := make(map[string]commandOption, len(opts))
	for _, o := range opts {
		byName[o.Name] = o
	}
	return sub, byName
}

// focusedOption returns the option being typed in an autocomplete
// interaction
func focusedOption(opts map[string]commandOption) commandOption {
	for _, o := range opts {
		if o.Focused {
			return o
		}
	}
	return nil
}

// interactionAttrs identifies an interaction in logs
func interactionAttrs(i *discordgo.InteractionCreate) slog.Attr {
	attrs := []any{"id", i.ID, "type", i.Type.String()}
	if i.GuildID != "" {
		attrs = append(attrs, "guild_id", i.GuildID)
	}
	if i.ChannelID != "" {
		attrs = append(attrs, "channel_id", i.ChannelID)
	}
	return slog.Group("interaction", attrs...)
}

// truncate returns the first n runes of s
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// dedupe drops repeated items, keeping the first of each
func dedupe[T comparable](items []T) []T {
	seen := make(map[T]struct{}, len(items))
	out := items[:0:0]
	for _, item := range items {
		if _, dup := seen[item]; !dup {
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}
