package beanbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	columnRoleMenuGuildID = "guild_id"
	columnRoleMenuName    = "name"
	columnRoleMenuNameKey = "name_key"

	// maxSelectMenuOptions is the most options (and selected values)
	// Discord allows in a select menu
	maxSelectMenuOptions = 25

	// maxAutocompleteChoices is the most choices Discord accepts in an
	// autocomplete response
	maxAutocompleteChoices = 25

	roleMenuNameMaxLength = 100

	postgresUniqueViolation = "23505"

	menuByName = columnRoleMenuGuildID + " = ? AND " + columnRoleMenuNameKey + " = ?"
)

var (
	ErrMenuNotFound = errors.New("role menu not found")
	ErrMenuConflict = errors.New("role menu already exists")
	ErrInvalidMenu  = errors.New("invalid role menu")
	ErrStore        = errors.New("role menu store error")
)

// RoleMenu is a named, guild-scoped set of roles members may assign
// to themselves.
//
// Names are unique per guild, ignoring case. NameKey holds the lowercased
// name and carries the unique index, so the constraint behaves the same on
// sqlite and postgres.
//
//nolint:lll // struct tags can't be split
type RoleMenu struct {
	ModelUintID
	ModelUnixTime

	GuildID string `json:"guild_id" gorm:"type:string;not null;uniqueIndex:idx_role_menu_guild_name,priority:1" binding:"required"`
	Name    string `json:"name" gorm:"type:string;not null" binding:"required,max=100"`
	NameKey string `json:"-" gorm:"type:string;not null;uniqueIndex:idx_role_menu_guild_name,priority:2"`

	// MaxSelectable limits how many of this menu's roles a member may hold
	// at once. Nil means every role may be selected.
	MaxSelectable *int `json:"max_selectable,omitempty" binding:"omitnil,min=1,max=25"`

	// RoleIDs are the menu's roles, in display order
	RoleIDs datatypes.JSONSlice[string] `json:"role_ids" gorm:"not null" binding:"min=1,max=25,dive,required"`
}

func (RoleMenu) TableName() string {
	return "role_menus"
}

// SelectLimit returns the maximum number of roles a member can select
// from this menu, given how many of its roles can be offered.
func (m RoleMenu) SelectLimit(available int) int {
	limit := min(available, maxSelectMenuOptions)
	if m.MaxSelectable != nil && *m.MaxSelectable < limit {
		limit = *m.MaxSelectable
	}
	return limit
}

// NewRoleMenu returns a RoleMenu for guildID with duplicate role IDs
// removed.
func NewRoleMenu(guildID, name string, maxSelectable *int, roleIDs []string) *RoleMenu {
	return &RoleMenu{
		GuildID:       guildID,
		Name:          strings.TrimSpace(name),
		NameKey:       roleMenuNameKey(name),
		MaxSelectable: maxSelectable,
		RoleIDs:       datatypes.JSONSlice[string](dedupe(roleIDs)),
	}
}

func (m RoleMenu) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(m.ID)),
		slog.String("guild_id", m.GuildID),
		slog.String("name", m.Name),
		slog.Int("roles", len(m.RoleIDs)),
	)
}

func roleMenuNameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// MenuStore persists role menus. All lookups compare names
// case-insensitively within a guild.
type MenuStore interface {
	// Find returns the menu named name, or nil if there is none.
	Find(ctx context.Context, guildID, name string) (*RoleMenu, error)

	// Create inserts menu, returning an error wrapping ErrMenuConflict if
	// the guild already has a menu with the same name.
	Create(ctx context.Context, menu *RoleMenu) error

	// Delete removes the named menu, returning the number of menus
	// deleted (0 if it didn't exist).
	Delete(ctx context.Context, guildID, name string) (int64, error)

	// Rename changes a menu's name, returning the number of menus
	// renamed, or an error wrapping ErrMenuConflict if the new name
	// is already taken.
	Rename(ctx context.Context, guildID, from, to string) (int64, error)

	// SearchByPrefix returns up to 25 menu names starting with partial,
	// ordered by name.
	SearchByPrefix(ctx context.Context, guildID, partial string) ([]string, error)

	// List returns a page of the guild's menus, ordered by name.
	List(ctx context.Context, guildID string, p Pagination) ([]RoleMenu, error)
}

type gormMenuStore struct {
	db *dbWriter
}

// NewMenuStore returns a MenuStore backed by db
func NewMenuStore(db *gorm.DB) MenuStore {
	return newMenuStore(newDBWriter(db))
}

func newMenuStore(w *dbWriter) *gormMenuStore {
	return &gormMenuStore{db: w}
}

func (s *gormMenuStore) Find(ctx context.Context, guildID, name string) (*RoleMenu, error) {
	tx, cancel := s.db.read(ctx)
	defer cancel()

	var menus []RoleMenu
	err := tx.
		Where(menuByName, guildID, roleMenuNameKey(name)).
		Limit(1).
		Find(&menus).Error
	if err != nil {
		return nil, storeError(err)
	}
	if len(menus) == 0 {
		return nil, nil
	}
	return &menus[0], nil
}

func (s *gormMenuStore) Create(ctx context.Context, menu *RoleMenu) error {
	menu.Name = strings.TrimSpace(menu.Name)
	menu.NameKey = roleMenuNameKey(menu.Name)
	menu.RoleIDs = dedupe(menu.RoleIDs)
	if err := structValidator.Struct(menu); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMenu, err)
	}
	_, err := s.db.exec(ctx, func(tx *gorm.DB) *gorm.DB { return tx.Create(menu) })
	if err != nil {
		return storeError(err)
	}
	return nil
}

func (s *gormMenuStore) Delete(ctx context.Context, guildID, name string) (int64, error) {
	n, err := s.db.exec(
		ctx, func(tx *gorm.DB) *gorm.DB {
			return tx.Where(menuByName, guildID, roleMenuNameKey(name)).Delete(&RoleMenu{})
		},
	)
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

func (s *gormMenuStore) Rename(ctx context.Context, guildID, from, to string) (int64, error) {
	to = strings.TrimSpace(to)
	if to == "" || len(to) > roleMenuNameMaxLength {
		return 0, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidMenu, roleMenuNameMaxLength)
	}
	n, err := s.db.exec(
		ctx, func(tx *gorm.DB) *gorm.DB {
			return tx.Model(&RoleMenu{}).
				Where(menuByName, guildID, roleMenuNameKey(from)).
				Updates(
					map[string]any{
						columnRoleMenuName:    to,
						columnRoleMenuNameKey: roleMenuNameKey(to),
					},
				)
		},
	)
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

func (s *gormMenuStore) SearchByPrefix(
	ctx context.Context,
	guildID, partial string,
) ([]string, error) {
	tx, cancel := s.db.read(ctx)
	defer cancel()

	names := []string{}
	err := tx.
		Model(&RoleMenu{}).
		Where(
			columnRoleMenuGuildID+" = ? AND "+columnRoleMenuNameKey+` LIKE ? ESCAPE '\'`,
			guildID,
			escapeLike(roleMenuNameKey(partial))+"%",
		).
		Order(columnRoleMenuNameKey).
		Limit(maxAutocompleteChoices).
		Pluck(columnRoleMenuName, &names).Error
	if err != nil {
		return nil, storeError(err)
	}
	return names, nil
}

func (s *gormMenuStore) List(
	ctx context.Context,
	guildID string,
	p Pagination,
) ([]RoleMenu, error) {
	tx, cancel := s.db.read(ctx)
	defer cancel()

	order := columnRoleMenuNameKey
	if p.Order == Descending {
		order += " desc"
	}
	limit := p.Limit
	if limit == 0 {
		limit = defaultPageSize
	}

	menus := []RoleMenu{}
	err := tx.
		Where(columnRoleMenuGuildID+" = ?", guildID).
		Order(order).
		Limit(limit).
		Offset(p.Offset).
		Find(&menus).Error
	if err != nil {
		return nil, storeError(err)
	}
	return menus, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike escapes LIKE wildcards in s, for use with ESCAPE '\'
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// storeError wraps err with ErrMenuConflict if it's a unique constraint
// violation, or ErrStore otherwise.
func storeError(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", ErrMenuConflict, err)
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == postgresUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
