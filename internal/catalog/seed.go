package catalog

import (
	"context"
	"fmt"

	"turnero/ticket-service/internal/models"

	"github.com/BurntSushi/toml"
)

// seedFile is the TOML layout of CATALOG_FILE. Category limits are
// pointers so an omitted key falls back to the default while an explicit
// zero disables rescheduling.
type seedFile struct {
	Branches   []models.Branch `toml:"branches"`
	Categories []seedCategory  `toml:"categories"`
	Kiosks     []models.Kiosk  `toml:"kiosks"`
	Roles      []models.Role   `toml:"roles"`
	Users      []seedUser      `toml:"users"`
}

type seedCategory struct {
	ID                     string          `toml:"id"`
	Name                   string          `toml:"name"`
	Prefix                 string          `toml:"prefix"`
	Priority               models.Priority `toml:"priority"`
	RescheduleLimit        *int            `toml:"reschedule_limit"`
	RescheduleGraceMinutes *int            `toml:"reschedule_grace_minutes"`
	EstimatedWaitMinutes   int             `toml:"estimated_wait_minutes"`
	Active                 *bool           `toml:"active"`
}

type seedUser struct {
	models.User
	Password string `toml:"password"`
}

func (s seedCategory) category() models.Category {
	category := NewCategory(s.Name)
	category.CategoryID = s.ID
	if s.Prefix != "" {
		category.Prefix = s.Prefix
	}
	if s.Priority != 0 {
		category.Priority = s.Priority
	}
	if s.RescheduleLimit != nil {
		category.RescheduleLimit = *s.RescheduleLimit
	}
	if s.RescheduleGraceMinutes != nil {
		category.RescheduleGraceMinutes = *s.RescheduleGraceMinutes
	}
	if s.Active != nil {
		category.Active = *s.Active
	}
	category.EstimatedWaitMinutes = s.EstimatedWaitMinutes
	return category
}

// LoadFile decodes a TOML seed file into a new catalog.
func LoadFile(ctx context.Context, path string) (*Catalog, error) {
	var seed seedFile
	meta, err := toml.DecodeFile(path, &seed)
	if err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s in %s", ErrInvalid, undecoded[0], path)
	}
	c := New()
	if err := c.apply(ctx, seed); err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return c, nil
}

// Decode parses TOML seed data held in memory.
func Decode(ctx context.Context, data string) (*Catalog, error) {
	var seed seedFile
	if _, err := toml.Decode(data, &seed); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	c := New()
	if err := c.apply(ctx, seed); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) apply(ctx context.Context, seed seedFile) error {
	for _, branch := range seed.Branches {
		if _, err := c.Branches.Create(ctx, branch); err != nil {
			return err
		}
	}
	for _, category := range seed.Categories {
		if _, err := c.Categories.Create(ctx, category.category()); err != nil {
			return err
		}
	}
	for _, kiosk := range seed.Kiosks {
		if _, err := c.Kiosks.Create(ctx, kiosk); err != nil {
			return err
		}
	}
	for _, role := range seed.Roles {
		if _, err := c.Roles.Create(ctx, role); err != nil {
			return err
		}
	}
	for _, user := range seed.Users {
		if _, err := c.CreateUser(ctx, user.User, user.Password); err != nil {
			return fmt.Errorf("user %s: %w", user.Email, err)
		}
	}
	return nil
}
