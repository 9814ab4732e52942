package beanbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	msgRolesMenuNotFound   = "The role menu '%s' does not exist"
	msgRolesSelect         = "Select your roles"
	msgRolesAssigned       = "Successfully assigned roles"
	msgRolesNoneAssignable = "The role menu '%s' has no assignable roles"
	rolesSelectPlaceholder = "Select your roles"
)

// handleRolesCommand handles `/roles use`, which shows the member a role
// menu and applies whatever they select
func (d *BeanBot) handleRolesCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.Interaction()
	logger := handler.Logger()

	if i.GuildID == "" {
		d.reply(ctx, handler, msgGuildOnly)
		return
	}

	subcommand, options := commandOptions(i)
	if subcommand != rolesSubcommandUse {
		logger.WarnContext(ctx, "unknown subcommand", "subcommand", subcommand)
		d.reply(ctx, handler, handler.Config().DiscordErrorMessage)
		return
	}

	var name string
	if opt, ok := options[roleMenuOptionName]; ok {
		name = opt.StringValue()
	}
	d.useRoleMenu(ctx, handler, name)
}

// useRoleMenu renders the named menu with the member's current roles
// pre-selected, waits for their selection, then grants and revokes roles
// to match it
func (d *BeanBot) useRoleMenu(ctx context.Context, handler InteractionHandler, name string) {
	i := handler.Interaction()
	logger := handler.Logger().With("role_menu", name)

	menu, err := d.menus.Find(ctx, i.GuildID, name)
	if err != nil {
		logger.ErrorContext(ctx, "error finding role menu", tint.Err(err))
		d.reply(ctx, handler, handler.Config().DiscordErrorMessage)
		return
	}
	if menu == nil {
		d.reply(ctx, handler, fmt.Sprintf(msgRolesMenuNotFound, name))
		return
	}

	guildRoles, err := d.discord.session.GuildRoles(i.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild roles", tint.Err(err))
		d.reply(ctx, handler, handler.Config().DiscordErrorMessage)
		return
	}

	held := make(map[string]bool)
	for _, r := range heldMenuRoles(menu.RoleIDs, memberRoles(i)) {
		held[r] = true
	}

	selectOptions, available := roleSelectOptions(menu.RoleIDs, guildRoles, held)
	if len(selectOptions) == 0 {
		logger.WarnContext(ctx, "none of the menu's roles exist in the guild")
		d.reply(ctx, handler, fmt.Sprintf(msgRolesNoneAssignable, menu.Name))
		return
	}

	cfg := d.RuntimeConfig()
	maxValues := menu.SelectLimit(len(selectOptions))
	if dropped := limitDefaults(selectOptions, maxValues); dropped > 0 {
		// the member holds more of the menu's roles than it allows, ex:
		// max_selectable was lowered after they were granted
		logger.WarnContext(
			ctx,
			"member holds more roles than the menu allows, not pre-selecting all of them",
			"max_values", maxValues,
			"not_preselected", dropped,
		)
	}
	minValues := min(max(cfg.RoleMenuMinSelection, 0), maxValues)

	user := getDiscordUser(i)
	pending := d.collector.register(user.ID)

	err = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: msgRolesSelect,
				Flags:   discordgo.MessageFlagsEphemeral,
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.SelectMenu{
								MenuType:    discordgo.StringSelectMenu,
								CustomID:    pending.customID,
								Placeholder: rolesSelectPlaceholder,
								MinValues:   &minValues,
								MaxValues:   maxValues,
								Options:     selectOptions,
							},
						},
					},
				},
			},
		},
	)
	if err != nil {
		pending.cancel()
		logger.ErrorContext(ctx, "error sending role menu", tint.Err(err))
		return
	}

	timeout := cfg.RoleMenuSelectTimeout.Duration
	selection, err := pending.Wait(ctx, timeout)
	if err != nil {
		logger.InfoContext(ctx, "no roles selected, removing prompt", "timeout", timeout)
		d.retractPrompt(handler)
		return
	}

	// acknowledge before touching roles, so the component interaction
	// doesn't expire while the role updates are in flight
	if ackErr := acknowledgeComponent(ctx, selection); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging role selection", tint.Err(ackErr))
	}

	selectionInteraction := selection.Interaction()
	selected := selectionInteraction.MessageComponentData().Values
	diff := ComputeRoleDiff(available, memberRoles(selectionInteraction), selected)

	logger.InfoContext(
		ctx,
		"applying role selection",
		slog.Any("grant", diff.Grant),
		slog.Any("revoke", diff.Revoke),
	)

	if err = d.applyRoleDiff(ctx, i.GuildID, user.ID, diff); err != nil {
		logger.ErrorContext(ctx, "error updating member roles", tint.Err(err))
		d.editPrompt(ctx, handler, handler.Config().DiscordErrorMessage)
		return
	}
	d.editPrompt(ctx, handler, msgRolesAssigned)
}

// roleSelectOptions returns a select option for each of the menu's roles
// that still exists in the guild, in menu order, along with their IDs.
// Roles in held are pre-selected.
func roleSelectOptions(
	roleIDs []string,
	guildRoles []*discordgo.Role,
	held map[string]bool,
) ([]discordgo.SelectMenuOption, []string) {
	byID := make(map[string]*discordgo.Role, len(guildRoles))
	for _, r := range guildRoles {
		if r != nil {
			byID[r.ID] = r
		}
	}

	options := []discordgo.SelectMenuOption{}
	available := []string{}
	for _, id := range roleIDs {
		role, ok := byID[id]
		if !ok {
			continue
		}
		options = append(
			options,
			discordgo.SelectMenuOption{
				Label:   truncate(role.Name, discordSelectOptionLabelMaxLength),
				Value:   role.ID,
				Default: held[role.ID],
			},
		)
		available = append(available, role.ID)
		if len(options) == maxSelectMenuOptions {
			break
		}
	}
	return options, available
}

// limitDefaults leaves at most limit options pre-selected, keeping the
// first ones in menu order, and returns how many were unselected.
// Discord rejects a select menu with more defaults than MaxValues.
func limitDefaults(options []discordgo.SelectMenuOption, limit int) int {
	dropped := 0
	for n := range options {
		if !options[n].Default {
			continue
		}
		if limit > 0 {
			limit--
			continue
		}
		options[n].Default = false
		dropped++
	}
	return dropped
}

// applyRoleDiff grants and revokes the roles in diff. Grants and revokes
// run independently, so a failure on one side doesn't stop the other.
func (d *BeanBot) applyRoleDiff(
	ctx context.Context,
	guildID string,
	userID string,
	diff RoleDiff,
) error {
	if diff.Empty() {
		return nil
	}

	var grantErr, revokeErr error
	var g errgroup.Group

	g.Go(
		func() error {
			var errs []error
			for _, roleID := range diff.Grant {
				if err := d.discord.session.GuildMemberRoleAdd(
					guildID,
					userID,
					roleID,
					discordgo.WithContext(ctx),
				); err != nil {
					errs = append(errs, fmt.Errorf("error granting role %s: %w", roleID, err))
				}
			}
			grantErr = errors.Join(errs...)
			return grantErr
		},
	)
	g.Go(
		func() error {
			var errs []error
			for _, roleID := range diff.Revoke {
				if err := d.discord.session.GuildMemberRoleRemove(
					guildID,
					userID,
					roleID,
					discordgo.WithContext(ctx),
				); err != nil {
					errs = append(errs, fmt.Errorf("error revoking role %s: %w", roleID, err))
				}
			}
			revokeErr = errors.Join(errs...)
			return revokeErr
		},
	)

	if err := g.Wait(); err != nil {
		return errors.Join(grantErr, revokeErr)
	}
	return nil
}
