package beanbot

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMenuStore(t testing.TB) MenuStore {
	t.Helper()
	return NewMenuStore(testDB(t))
}

func intPtr(i int) *int { return &i }

func TestMenuStore_CreateAndFind(t *testing.T) {
	store := newTestMenuStore(t)
	ctx := context.Background()

	menu := NewRoleMenu(testGuildID, "  Colors ", intPtr(2), []string{"r1", "r2", "r1", "r3"})
	require.NoError(t, store.Create(ctx, menu))
	assert.NotZero(t, menu.ID)
	assert.NotZero(t, menu.CreatedAt)

	for _, name := range []string{"Colors", "colors", "COLORS", " colors "} {
		found, err := store.Find(ctx, testGuildID, name)
		require.NoError(t, err)
		require.NotNilf(t, found, "expected to find menu with %q", name)
		assert.Equal(t, "Colors", found.Name)
		assert.Equal(t, []string{"r1", "r2", "r3"}, []string(found.RoleIDs))
		require.NotNil(t, found.MaxSelectable)
		assert.Equal(t, 2, *found.MaxSelectable)
	}

	found, err := store.Find(ctx, "other-guild", "colors")
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = store.Find(ctx, testGuildID, "colours")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestMenuStore_CreateConflict(t *testing.T) {
	store := newTestMenuStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewRoleMenu(testGuildID, "Colors", nil, []string{"r1"})))

	err := store.Create(ctx, NewRoleMenu(testGuildID, "COLORS", nil, []string{"r2"}))
	assert.ErrorIs(t, err, ErrMenuConflict)

	// same name in another guild is fine
	require.NoError(t, store.Create(ctx, NewRoleMenu("guild-2", "colors", nil, []string{"r2"})))

	menu, err := store.Find(ctx, testGuildID, "colors")
	require.NoError(t, err)
	require.NotNil(t, menu)
	assert.Equal(t, []string{"r1"}, []string(menu.RoleIDs))
}

func TestMenuStore_CreateInvalid(t *testing.T) {
	store := newTestMenuStore(t)
	ctx := context.Background()

	testCases := []struct {
		name string
		menu *RoleMenu
	}{
		{"no roles", NewRoleMenu(testGuildID, "empty", nil, []string{})},
		{"empty name", NewRoleMenu(testGuildID, "   ", nil, []string{"r1"})},
		{"no guild", NewRoleMenu("", "colors", nil, []string{"r1"})},
		{"zero max selectable", NewRoleMenu(testGuildID, "colors", intPtr(0), []string{"r1"})},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.ErrorIs(t, store.Create(ctx, tc.menu), ErrInvalidMenu)
			},
		)
	}
}

func TestMenuStore_Delete(t *testing.T) {
	store := newTestMenuStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewRoleMenu(testGuildID, "Colors", nil, []string{"r1"})))

	deleted, err := store.Delete(ctx, testGuildID, "cOlOrS")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	menu, err := store.Find(ctx, testGuildID, "colors")
	require.NoError(t, err)
	assert.Nil(t, menu)

	deleted, err = store.Delete(ctx, testGuildID, "colors")
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

func TestMenuStore_Rename(t *testing.T) {
	store := newTestMenuStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewRoleMenu(testGuildID, "Colors", nil, []string{"r1"})))
	require.NoError(t, store.Create(ctx, NewRoleMenu(testGuildID, "Pronouns", nil, []string{"r2"})))

	renamed, err := store.Rename(ctx, testGuildID, "colors", "Colours")
	require.NoError(t, err)
	assert.Equal(t, int64(1), renamed)

	menu, err := store.Find(ctx, testGuildID, "colours")
	require.NoError(t, err)
	require.NotNil(t, menu)
	assert.Equal(t, "Colours", menu.Name)
	assert.Equal(t, []string{"r1"}, []string(menu.RoleIDs))

	old, err := store.Find(ctx, testGuildID, "colors")
	require.NoError(t, err)
	assert.Nil(t, old)

	// changing only the case of a name is allowed
	renamed, err = store.Rename(ctx, testGuildID, "colours", "COLOURS")
	require.NoError(t, err)
	assert.Equal(t, int64(1), renamed)

	_, err = store.Rename(ctx, testGuildID, "colours", "pronouns")
	assert.ErrorIs(t, err, ErrMenuConflict)

	renamed, err = store.Rename(ctx, testGuildID, "missing", "whatever")
	require.NoError(t, err)
	assert.Equal(t, int64(0), renamed)

	_, err = store.Rename(ctx, testGuildID, "colours", "  ")
	assert.ErrorIs(t, err, ErrInvalidMenu)
}

func TestMenuStore_SearchByPrefix(t *testing.T) {
	store := newTestMenuStore(t)
	ctx := context.Background()

	for _, name := range []string{"Colors", "colours", "Pronouns", "col_lab", "100%"} {
		require.NoError(t, store.Create(ctx, NewRoleMenu(testGuildID, name, nil, []string{"r1"})))
	}
	require.NoError(t, store.Create(ctx, NewRoleMenu("guild-2", "Colorado", nil, []string{"r1"})))

	names, err := store.SearchByPrefix(ctx, testGuildID, "CO")
	require.NoError(t, err)
	assert.Equal(t, []string{"col_lab", "Colors", "colours"}, names)

	// wildcards are matched literally
	names, err = store.SearchByPrefix(ctx, testGuildID, "col_")
	require.NoError(t, err)
	assert.Equal(t, []string{"col_lab"}, names)

	names, err = store.SearchByPrefix(ctx, testGuildID, "100%")
	require.NoError(t, err)
	assert.Equal(t, []string{"100%"}, names)

	names, err = store.SearchByPrefix(ctx, testGuildID, "zzz")
	require.NoError(t, err)
	assert.NotNil(t, names)
	assert.Empty(t, names)

	names, err = store.SearchByPrefix(ctx, testGuildID, "")
	require.NoError(t, err)
	assert.Len(t, names, 5)
}

func TestMenuStore_SearchByPrefix_Limit(t *testing.T) {
	store := newTestMenuStore(t)
	ctx := context.Background()

	for i := 0; i < maxAutocompleteChoices+5; i++ {
		require.NoError(
			t,
			store.Create(ctx, NewRoleMenu(testGuildID, fmt.Sprintf("menu-%02d", i), nil, []string{"r1"})),
		)
	}
	names, err := store.SearchByPrefix(ctx, testGuildID, "menu")
	require.NoError(t, err)
	assert.Len(t, names, maxAutocompleteChoices)
	assert.Equal(t, "menu-00", names[0])
}

func TestMenuStore_List(t *testing.T) {
	store := newTestMenuStore(t)
	ctx := context.Background()

	for _, name := range []string{"b", "a", "c"} {
		require.NoError(t, store.Create(ctx, NewRoleMenu(testGuildID, name, nil, []string{"r1"})))
	}

	menus, err := store.List(ctx, testGuildID, Pagination{})
	require.NoError(t, err)
	require.Len(t, menus, 3)
	assert.Equal(t, "a", menus[0].Name)

	menus, err = store.List(ctx, testGuildID, Pagination{Limit: 1, Offset: 1, Order: Descending})
	require.NoError(t, err)
	require.Len(t, menus, 1)
	assert.Equal(t, "b", menus[0].Name)

	menus, err = store.List(ctx, "other-guild", Pagination{})
	require.NoError(t, err)
	assert.Empty(t, menus)
}

func TestRoleMenu_SelectLimit(t *testing.T) {
	testCases := []struct {
		name          string
		maxSelectable *int
		available     int
		expected      int
	}{
		{"unlimited", nil, 5, 5},
		{"below available", intPtr(2), 5, 2},
		{"above available", intPtr(10), 3, 3},
		{"capped by discord", nil, 40, maxSelectMenuOptions},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				m := RoleMenu{MaxSelectable: tc.maxSelectable}
				assert.Equal(t, tc.expected, m.SelectLimit(tc.available))
			},
		)
	}
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\%b\_c\\d`, escapeLike(`a%b_c\d`))
}
