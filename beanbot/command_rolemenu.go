package beanbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	msgRoleMenuExists       = "The role menu '%s' already exists"
	msgRoleMenuChooseRoles  = "Choose the roles that should be selectable in the rolemenu '%s'"
	msgRoleMenuCreated      = "Successfully created role menu '%s'"
	msgRoleMenuDeleted      = "Deleted role menu '%s'"
	msgRoleMenuNotFound     = "Could not find role menu '%s'"
	msgRoleMenuRenamed      = "Renamed '%s' to '%s'"
	msgRoleMenuInvalidName  = "Role menu names must be between 1 and 100 characters"
	msgGuildOnly            = "This command can only be used in a server"
	msgMissingPermission    = "You need the Manage Roles permission to manage role menus"
	roleMenuRolePlaceholder = "Select roles"
)

// handleRoleMenuCommand handles the /rolemenu command and its new,
// delete and rename subcommands
func (d *BeanBot) handleRoleMenuCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.Interaction()
	logger := handler.Logger()

	if i.GuildID == "" {
		d.reply(ctx, handler, msgGuildOnly)
		return
	}
	if !d.canManageRoleMenus(i) {
		logger.WarnContext(ctx, "user lacks permission to manage role menus")
		d.reply(ctx, handler, msgMissingPermission)
		return
	}

	subcommand, options := commandOptions(i)
	switch subcommand {
	case roleMenuSubcommandNew:
		var maxSelectable *int
		if opt, ok := options[roleMenuOptionMaxSelectable]; ok {
			v := int(opt.IntValue())
			maxSelectable = &v
		}
		var name string
		if opt, ok := options[roleMenuOptionName]; ok {
			name = opt.StringValue()
		}
		d.createRoleMenu(ctx, handler, name, maxSelectable)
	case roleMenuSubcommandDelete:
		var name string
		if opt, ok := options[roleMenuOptionName]; ok {
			name = opt.StringValue()
		}
		d.deleteRoleMenu(ctx, handler, name)
	case roleMenuSubcommandRename:
		var from, to string
		if opt, ok := options[roleMenuOptionFrom]; ok {
			from = opt.StringValue()
		}
		if opt, ok := options[roleMenuOptionTo]; ok {
			to = opt.StringValue()
		}
		d.renameRoleMenu(ctx, handler, from, to)
	default:
		logger.WarnContext(ctx, "unknown subcommand", "subcommand", subcommand)
		d.reply(ctx, handler, handler.Config().DiscordErrorMessage)
	}
}

// canManageRoleMenus reports whether the member who sent the interaction
// has the Manage Roles permission, or is a configured owner
func (d *BeanBot) canManageRoleMenus(i *discordgo.InteractionCreate) bool {
	if u := getDiscordUser(i); u != nil && d.config.Discord.isOwner(u.ID) {
		return true
	}
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionManageRoles != 0
}

// createRoleMenu prompts the user to pick the menu's roles, then saves
// the menu. The prompt is deleted if no roles are picked before the
// select timeout.
func (d *BeanBot) createRoleMenu(
	ctx context.Context,
	handler InteractionHandler,
	name string,
	maxSelectable *int,
) {
	i := handler.Interaction()
	logger := handler.Logger().With("role_menu", name)

	name = strings.TrimSpace(name)
	if name == "" || len(name) > roleMenuNameMaxLength {
		d.reply(ctx, handler, msgRoleMenuInvalidName)
		return
	}

	existing, err := d.menus.Find(ctx, i.GuildID, name)
	if err != nil {
		logger.ErrorContext(ctx, "error finding role menu", tint.Err(err))
		d.reply(ctx, handler, handler.Config().DiscordErrorMessage)
		return
	}
	if existing != nil {
		d.reply(ctx, handler, fmt.Sprintf(msgRoleMenuExists, existing.Name))
		return
	}

	user := getDiscordUser(i)
	pending := d.collector.register(user.ID)

	minValues := 1
	err = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: fmt.Sprintf(msgRoleMenuChooseRoles, name),
				Flags:   discordgo.MessageFlagsEphemeral,
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.SelectMenu{
								MenuType:    discordgo.RoleSelectMenu,
								CustomID:    pending.customID,
								Placeholder: roleMenuRolePlaceholder,
								MinValues:   &minValues,
								MaxValues:   maxSelectMenuOptions,
							},
						},
					},
				},
			},
		},
	)
	if err != nil {
		pending.cancel()
		logger.ErrorContext(ctx, "error sending role selection prompt", tint.Err(err))
		return
	}

	timeout := d.RuntimeConfig().RoleMenuSelectTimeout.Duration
	selection, err := pending.Wait(ctx, timeout)
	if err != nil {
		logger.InfoContext(ctx, "no roles selected, removing prompt", "timeout", timeout)
		d.retractPrompt(handler)
		return
	}

	if ackErr := acknowledgeComponent(ctx, selection); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging role selection", tint.Err(ackErr))
	}

	roleIDs := selection.Interaction().MessageComponentData().Values
	menu := NewRoleMenu(i.GuildID, name, maxSelectable, roleIDs)

	err = d.menus.Create(ctx, menu)
	switch {
	case errors.Is(err, ErrMenuConflict):
		logger.WarnContext(ctx, "role menu created concurrently", tint.Err(err))
		d.editPrompt(ctx, handler, fmt.Sprintf(msgRoleMenuExists, name))
	case err != nil:
		logger.ErrorContext(ctx, "error creating role menu", tint.Err(err))
		d.editPrompt(ctx, handler, handler.Config().DiscordErrorMessage)
	default:
		logger.InfoContext(
			ctx,
			"created role menu",
			slog.Any("created", *menu),
		)
		d.editPrompt(ctx, handler, fmt.Sprintf(msgRoleMenuCreated, menu.Name))
	}
}

func (d *BeanBot) deleteRoleMenu(
	ctx context.Context,
	handler InteractionHandler,
	name string,
) {
	i := handler.Interaction()
	logger := handler.Logger().With("role_menu", name)

	deleted, err := d.menus.Delete(ctx, i.GuildID, name)
	if err != nil {
		logger.ErrorContext(ctx, "error deleting role menu", tint.Err(err))
		d.reply(ctx, handler, handler.Config().DiscordErrorMessage)
		return
	}
	if deleted == 0 {
		d.reply(ctx, handler, fmt.Sprintf(msgRoleMenuNotFound, name))
		return
	}
	logger.InfoContext(ctx, "deleted role menu")
	d.reply(ctx, handler, fmt.Sprintf(msgRoleMenuDeleted, name))
}

func (d *BeanBot) renameRoleMenu(
	ctx context.Context,
	handler InteractionHandler,
	from string,
	to string,
) {
	i := handler.Interaction()
	logger := handler.Logger().With("from", from, "to", to)

	to = strings.TrimSpace(to)
	renamed, err := d.menus.Rename(ctx, i.GuildID, from, to)
	switch {
	case errors.Is(err, ErrMenuConflict):
		d.reply(ctx, handler, fmt.Sprintf(msgRoleMenuExists, to))
	case errors.Is(err, ErrInvalidMenu):
		d.reply(ctx, handler, msgRoleMenuInvalidName)
	case err != nil:
		logger.ErrorContext(ctx, "error renaming role menu", tint.Err(err))
		d.reply(ctx, handler, handler.Config().DiscordErrorMessage)
	case renamed == 0:
		d.reply(ctx, handler, fmt.Sprintf(msgRoleMenuNotFound, from))
	default:
		logger.InfoContext(ctx, "renamed role menu")
		d.reply(ctx, handler, fmt.Sprintf(msgRoleMenuRenamed, from, to))
	}
}

// handleAutocomplete suggests role menu names for the option being typed.
// Lookup failures produce an empty list rather than an error.
func (d *BeanBot) handleAutocomplete(ctx context.Context, handler InteractionHandler) {
	i := handler.Interaction()
	logger := handler.Logger()

	choices := []*discordgo.ApplicationCommandOptionChoice{}

	_, options := commandOptions(i)
	focused := focusedOption(options)
	if focused != nil && i.GuildID != "" &&
		focused.Type == discordgo.ApplicationCommandOptionString {
		names, err := d.menus.SearchByPrefix(ctx, i.GuildID, focused.StringValue())
		if err != nil {
			logger.ErrorContext(ctx, "error searching role menus", tint.Err(err))
			names = nil
		}
		for _, name := range names {
			choices = append(
				choices,
				&discordgo.ApplicationCommandOptionChoice{Name: name, Value: name},
			)
			if len(choices) == maxAutocompleteChoices {
				break
			}
		}
	}

	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{Choices: choices},
		},
	); err != nil {
		logger.ErrorContext(ctx, "error sending autocomplete choices", tint.Err(err))
	}
}
