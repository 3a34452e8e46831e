// Package catalog holds the reference data the queue consults read-only:
// branches, service categories, kiosks, and the staff users and roles
// that administer them.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"turnero/ticket-service/internal/models"
	"turnero/ticket-service/internal/store"

	"golang.org/x/crypto/bcrypt"
)

type Catalog struct {
	Branches   *Repo[models.Branch]
	Categories *Repo[models.Category]
	Kiosks     *Repo[models.Kiosk]
	Roles      *Repo[models.Role]
	Users      *Repo[models.User]
}

func New() *Catalog {
	c := &Catalog{
		Branches: NewRepo("branch",
			func(b models.Branch) string { return b.BranchID },
			func(b *models.Branch, id string) { b.BranchID = id },
			validateBranch),
		Categories: NewRepo("category",
			func(c models.Category) string { return c.CategoryID },
			func(c *models.Category, id string) { c.CategoryID = id },
			validateCategory),
		Roles: NewRepo("role",
			func(r models.Role) string { return r.RoleID },
			func(r *models.Role, id string) { r.RoleID = id },
			validateRole),
	}
	c.Kiosks = NewRepo("kiosk",
		func(k models.Kiosk) string { return k.KioskID },
		func(k *models.Kiosk, id string) { k.KioskID = id },
		c.validateKiosk)
	c.Users = NewRepo("user",
		func(u models.User) string { return u.UserID },
		func(u *models.User, id string) { u.UserID = id },
		c.validateUser)
	return c
}

// Validate checks that a ticket may be issued for the given references
// and returns the category so callers can apply its policy. kioskID may
// be empty for tickets issued at a staff desk.
func (c *Catalog) Validate(ctx context.Context, branchID, categoryID, kioskID string) (models.Category, error) {
	branch, err := c.Branches.Get(ctx, branchID)
	if err != nil {
		return models.Category{}, invalidReference(err)
	}
	if !branch.Active {
		return models.Category{}, fmt.Errorf("%w: branch %s is inactive", store.ErrInvalidReference, branchID)
	}
	category, err := c.Categories.Get(ctx, categoryID)
	if err != nil {
		return models.Category{}, invalidReference(err)
	}
	if !category.Active {
		return models.Category{}, fmt.Errorf("%w: category %s is inactive", store.ErrInvalidReference, categoryID)
	}
	if kioskID == "" {
		return category, nil
	}
	kiosk, err := c.Kiosks.Get(ctx, kioskID)
	if err != nil {
		return models.Category{}, invalidReference(err)
	}
	if !kiosk.Active {
		return models.Category{}, fmt.Errorf("%w: kiosk %s is inactive", store.ErrInvalidReference, kioskID)
	}
	if kiosk.BranchID != branchID {
		return models.Category{}, fmt.Errorf("%w: kiosk %s belongs to branch %s", store.ErrInvalidReference, kioskID, kiosk.BranchID)
	}
	return category, nil
}

func (c *Catalog) Category(ctx context.Context, categoryID string) (models.Category, error) {
	return c.Categories.Get(ctx, categoryID)
}

func invalidReference(err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %v", store.ErrInvalidReference, err)
	}
	return err
}

// NewCategory fills the defaults the admin screens apply to a new
// category: prefix from the name, medium priority, three reschedules and
// a thirty minute grace window.
func NewCategory(name string) models.Category {
	prefix := ""
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		prefix = strings.ToUpper(string([]rune(trimmed)[:1]))
	}
	return models.Category{
		Name:                   name,
		Prefix:                 prefix,
		Priority:               models.PriorityMedium,
		RescheduleLimit:        models.DefaultRescheduleLimit,
		RescheduleGraceMinutes: models.DefaultRescheduleGraceMinutes,
		Active:                 true,
	}
}

// CreateUser hashes password and stores the user.
func (c *Catalog) CreateUser(ctx context.Context, user models.User, password string) (models.User, error) {
	if len(password) < 8 {
		return models.User{}, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalid)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}
	user.PasswordHash = string(hash)
	return c.Users.Create(ctx, user)
}

func CheckPassword(user models.User, password string) bool {
	if user.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

func validateBranch(b models.Branch) error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("%w: branch name is required", ErrInvalid)
	}
	return nil
}

func validateCategory(c models.Category) error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return fmt.Errorf("%w: category name is required", ErrInvalid)
	case strings.TrimSpace(c.Prefix) == "" || strings.ContainsAny(c.Prefix, "- "):
		return fmt.Errorf("%w: category prefix must be non-empty without dashes or spaces", ErrInvalid)
	case c.Priority < models.PriorityLow || c.Priority > models.PriorityHigh:
		return fmt.Errorf("%w: category priority is required", ErrInvalid)
	case c.RescheduleLimit < 0:
		return fmt.Errorf("%w: reschedule limit cannot be negative", ErrInvalid)
	case c.RescheduleGraceMinutes < 0 || c.EstimatedWaitMinutes < 0:
		return fmt.Errorf("%w: durations cannot be negative", ErrInvalid)
	}
	return nil
}

func validateRole(r models.Role) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalid)
	}
	return nil
}

func (c *Catalog) validateKiosk(k models.Kiosk) error {
	if strings.TrimSpace(k.Name) == "" {
		return fmt.Errorf("%w: kiosk name is required", ErrInvalid)
	}
	if _, err := c.Branches.Get(context.Background(), k.BranchID); err != nil {
		return fmt.Errorf("%w: kiosk branch %q does not exist", ErrInvalid, k.BranchID)
	}
	return nil
}

func (c *Catalog) validateUser(u models.User) error {
	if strings.TrimSpace(u.Name) == "" || !strings.Contains(u.Email, "@") {
		return fmt.Errorf("%w: user name and a valid email are required", ErrInvalid)
	}
	if u.RoleID != "" {
		if _, err := c.Roles.Get(context.Background(), u.RoleID); err != nil {
			return fmt.Errorf("%w: role %q does not exist", ErrInvalid, u.RoleID)
		}
	}
	return nil
}
