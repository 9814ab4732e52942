package beanbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runInteraction runs handleInteraction in the background, returning a
// channel that's closed once it returns
func runInteraction(bot *BeanBot, handler InteractionHandler) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		bot.handleInteraction(context.Background(), handler)
	}()
	return done
}

func TestRoleMenuNew(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()

	i := newCommandInteraction(
		newTestAdmin(),
		DiscordSlashCommandRoleMenu,
		roleMenuSubcommandNew,
		stringOption(roleMenuOptionName, " Colors "),
		intOption(roleMenuOptionMaxSelectable, 1),
	)
	handler := newStubHandler(t, bot, i)
	done := runInteraction(bot, handler)

	prompt := receive(t, handler.callRespond)
	assert.Equal(t, fmt.Sprintf(msgRoleMenuChooseRoles, "Colors"), prompt.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, prompt.Data.Flags)

	selectMenu := promptSelectMenu(t, prompt)
	assert.Equal(t, discordgo.RoleSelectMenu, selectMenu.MenuType)
	assert.True(t, strings.HasPrefix(selectMenu.CustomID, roleMenuCustomIDPrefix+":"))
	require.NotNil(t, selectMenu.MinValues)
	assert.Equal(t, 1, *selectMenu.MinValues)
	assert.Equal(t, maxSelectMenuOptions, selectMenu.MaxValues)

	component := newStubHandler(
		t,
		bot,
		newComponentInteraction(newTestAdmin(), selectMenu.CustomID, "red", "green", "blue"),
	)
	bot.handleInteraction(ctx, component)

	ack := receive(t, component.callRespond)
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, ack.Type)

	edit := receive(t, handler.callEdit)
	require.NotNil(t, edit.WebhookEdit.Content)
	assert.Equal(t, fmt.Sprintf(msgRoleMenuCreated, "Colors"), *edit.WebhookEdit.Content)
	require.NotNil(t, edit.WebhookEdit.Components)
	assert.Empty(t, *edit.WebhookEdit.Components)

	receive(t, done)

	menu, err := bot.menus.Find(ctx, testGuildID, "colors")
	require.NoError(t, err)
	require.NotNil(t, menu)
	assert.Equal(t, "Colors", menu.Name)
	assert.Equal(t, []string{"red", "green", "blue"}, []string(menu.RoleIDs))
	require.NotNil(t, menu.MaxSelectable)
	assert.Equal(t, 1, *menu.MaxSelectable)
	assert.Equal(t, 0, bot.collector.pending())
}

func TestRoleMenuNew_Timeout(t *testing.T) {
	bot, _ := newTestBot(t)
	setSelectTimeout(bot, 50*time.Millisecond)

	i := newCommandInteraction(
		newTestAdmin(),
		DiscordSlashCommandRoleMenu,
		roleMenuSubcommandNew,
		stringOption(roleMenuOptionName, "colors"),
	)
	handler := newStubHandler(t, bot, i)
	done := runInteraction(bot, handler)

	prompt := receive(t, handler.callRespond)
	selectMenu := promptSelectMenu(t, prompt)

	receive(t, handler.callDelete)
	receive(t, done)
	assert.Empty(t, handler.callEdit)

	// a selection after the timeout is ignored
	late := newStubHandler(
		t,
		bot,
		newComponentInteraction(newTestAdmin(), selectMenu.CustomID, "red"),
	)
	bot.handleInteraction(context.Background(), late)
	assert.Empty(t, late.callRespond)

	menu, err := bot.menus.Find(context.Background(), testGuildID, "colors")
	require.NoError(t, err)
	assert.Nil(t, menu)
}

func TestRoleMenuNew_SelectionFromAnotherUser(t *testing.T) {
	bot, _ := newTestBot(t)
	setSelectTimeout(bot, 500*time.Millisecond)

	handler := newStubHandler(
		t,
		bot,
		newCommandInteraction(
			newTestAdmin(),
			DiscordSlashCommandRoleMenu,
			roleMenuSubcommandNew,
			stringOption(roleMenuOptionName, "colors"),
		),
	)
	done := runInteraction(bot, handler)
	selectMenu := promptSelectMenu(t, receive(t, handler.callRespond))

	other := newStubHandler(
		t,
		bot,
		newComponentInteraction(
			newTestMember(testMemberID, discordgo.PermissionManageRoles),
			selectMenu.CustomID,
			"red",
		),
	)
	bot.handleInteraction(context.Background(), other)
	assert.Empty(t, other.callRespond)

	receive(t, handler.callDelete)
	receive(t, done)
}

func TestRoleMenuNew_AlreadyExists(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, bot.menus.Create(ctx, NewRoleMenu(testGuildID, "Colors", nil, []string{"r1"})))

	handler := newStubHandler(
		t,
		bot,
		newCommandInteraction(
			newTestAdmin(),
			DiscordSlashCommandRoleMenu,
			roleMenuSubcommandNew,
			stringOption(roleMenuOptionName, "COLORS"),
		),
	)
	bot.handleInteraction(ctx, handler)

	response := receive(t, handler.callRespond)
	assert.Equal(t, fmt.Sprintf(msgRoleMenuExists, "Colors"), response.Data.Content)
	assert.Equal(t, 0, bot.collector.pending())
}

func TestRoleMenuNew_InvalidName(t *testing.T) {
	bot, _ := newTestBot(t)

	for _, name := range []string{"   ", strings.Repeat("x", roleMenuNameMaxLength+1)} {
		handler := newStubHandler(
			t,
			bot,
			newCommandInteraction(
				newTestAdmin(),
				DiscordSlashCommandRoleMenu,
				roleMenuSubcommandNew,
				stringOption(roleMenuOptionName, name),
			),
		)
		bot.handleInteraction(context.Background(), handler)
		response := receive(t, handler.callRespond)
		assert.Equal(t, msgRoleMenuInvalidName, response.Data.Content)
	}
}

func TestRoleMenu_Permissions(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, bot.menus.Create(ctx, NewRoleMenu(testGuildID, "Colors", nil, []string{"r1"})))

	member := newTestMember(testMemberID, discordgo.PermissionSendMessages)
	handler := newStubHandler(
		t,
		bot,
		newCommandInteraction(
			member,
			DiscordSlashCommandRoleMenu,
			roleMenuSubcommandDelete,
			stringOption(roleMenuOptionName, "colors"),
		),
	)
	bot.handleInteraction(ctx, handler)

	response := receive(t, handler.callRespond)
	assert.Equal(t, msgMissingPermission, response.Data.Content)

	menu, err := bot.menus.Find(ctx, testGuildID, "colors")
	require.NoError(t, err)
	assert.NotNil(t, menu)

	// owners don't need the permission
	bot.config.Discord.Owners = []string{testMemberID}
	handler = newStubHandler(
		t,
		bot,
		newCommandInteraction(
			member,
			DiscordSlashCommandRoleMenu,
			roleMenuSubcommandDelete,
			stringOption(roleMenuOptionName, "colors"),
		),
	)
	bot.handleInteraction(ctx, handler)
	response = receive(t, handler.callRespond)
	assert.Equal(t, fmt.Sprintf(msgRoleMenuDeleted, "colors"), response.Data.Content)
}

func TestRoleMenu_GuildOnly(t *testing.T) {
	bot, _ := newTestBot(t)

	i := newCommandInteraction(
		newTestAdmin(),
		DiscordSlashCommandRoleMenu,
		roleMenuSubcommandDelete,
		stringOption(roleMenuOptionName, "colors"),
	)
	i.GuildID = ""
	i.User = i.Member.User
	i.Member = nil

	handler := newStubHandler(t, bot, i)
	bot.handleInteraction(context.Background(), handler)

	response := receive(t, handler.callRespond)
	assert.Equal(t, msgGuildOnly, response.Data.Content)
}

func TestRoleMenuDelete(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, bot.menus.Create(ctx, NewRoleMenu(testGuildID, "Colors", nil, []string{"r1"})))

	handler := newStubHandler(
		t,
		bot,
		newCommandInteraction(
			newTestAdmin(),
			DiscordSlashCommandRoleMenu,
			roleMenuSubcommandDelete,
			stringOption(roleMenuOptionName, "colors"),
		),
	)
	bot.handleInteraction(ctx, handler)

	response := receive(t, handler.callRespond)
	assert.Equal(t, fmt.Sprintf(msgRoleMenuDeleted, "colors"), response.Data.Content)

	menu, err := bot.menus.Find(ctx, testGuildID, "colors")
	require.NoError(t, err)
	assert.Nil(t, menu)
}

func TestRoleMenuRename(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, bot.menus.Create(ctx, NewRoleMenu(testGuildID, "Colors", nil, []string{"r1"})))
	require.NoError(t, bot.menus.Create(ctx, NewRoleMenu(testGuildID, "Pronouns", nil, []string{"r2"})))

	rename := func(from, to string) string {
		t.Helper()
		handler := newStubHandler(
			t,
			bot,
			newCommandInteraction(
				newTestAdmin(),
				DiscordSlashCommandRoleMenu,
				roleMenuSubcommandRename,
				stringOption(roleMenuOptionFrom, from),
				stringOption(roleMenuOptionTo, to),
			),
		)
		bot.handleInteraction(ctx, handler)
		return receive(t, handler.callRespond).Data.Content
	}

	assert.Equal(t, fmt.Sprintf(msgRoleMenuRenamed, "colors", "Colours"), rename("colors", "Colours"))
	assert.Equal(t, fmt.Sprintf(msgRoleMenuExists, "pronouns"), rename("colours", "pronouns"))
	assert.Equal(t, fmt.Sprintf(msgRoleMenuNotFound, "missing"), rename("missing", "other"))
	assert.Equal(t, msgRoleMenuInvalidName, rename("colours", " "))

	menu, err := bot.menus.Find(ctx, testGuildID, "colours")
	require.NoError(t, err)
	require.NotNil(t, menu)
	assert.Equal(t, "Colours", menu.Name)
}

type failingMenuStore struct {
	MenuStore
}

func (failingMenuStore) SearchByPrefix(context.Context, string, string) ([]string, error) {
	return nil, errors.New("database is locked")
}

func TestAutocomplete(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()
	for _, name := range []string{"Colors", "colours", "Pronouns"} {
		require.NoError(t, bot.menus.Create(ctx, NewRoleMenu(testGuildID, name, nil, []string{"r1"})))
	}

	complete := func(member *discordgo.Member, command, subcommand, option, partial string) []string {
		t.Helper()
		handler := newStubHandler(
			t,
			bot,
			newAutocompleteInteraction(member, command, subcommand, option, partial),
		)
		bot.handleInteraction(ctx, handler)
		response := receive(t, handler.callRespond)
		assert.Equal(t, discordgo.InteractionApplicationCommandAutocompleteResult, response.Type)
		names := []string{}
		for _, c := range response.Data.Choices {
			assert.Equal(t, c.Name, c.Value)
			names = append(names, c.Name)
		}
		return names
	}

	member := newTestMember(testMemberID, 0)
	assert.Equal(
		t,
		[]string{"Colors", "colours"},
		complete(member, DiscordSlashCommandRoles, rolesSubcommandUse, roleMenuOptionName, "COL"),
	)
	assert.Equal(
		t,
		[]string{"Pronouns"},
		complete(newTestAdmin(), DiscordSlashCommandRoleMenu, roleMenuSubcommandRename, roleMenuOptionFrom, "p"),
	)
	assert.Empty(
		t,
		complete(member, DiscordSlashCommandRoles, rolesSubcommandUse, roleMenuOptionName, "zzz"),
	)

	bot.menus = failingMenuStore{MenuStore: bot.menus}
	assert.Empty(
		t,
		complete(member, DiscordSlashCommandRoles, rolesSubcommandUse, roleMenuOptionName, "col"),
	)
}
