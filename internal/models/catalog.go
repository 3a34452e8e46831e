package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority orders tickets inside a queue at issuance time. Higher values
// are placed ahead of strictly lower ones.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityMedium: "medium",
	PriorityHigh:   "high",
}

// Spanish labels used by the admin screens ("Alta", "Media", "Baja").
var priorityAliases = map[string]Priority{
	"baja":  PriorityLow,
	"media": PriorityMedium,
	"alta":  PriorityHigh,
}

func (p Priority) String() string {
	return priorityNames[p]
}

func ParsePriority(value string) (Priority, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for priority, name := range priorityNames {
		if name == value {
			return priority, nil
		}
	}
	if priority, ok := priorityAliases[value]; ok {
		return priority, nil
	}
	return 0, fmt.Errorf("unknown priority %q", value)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*p = 0
		return nil
	}
	parsed, err := ParsePriority(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

const (
	DefaultRescheduleLimit        = 3
	DefaultRescheduleGraceMinutes = 30
)

type Branch struct {
	BranchID  string `json:"branch_id" toml:"id"`
	Name      string `json:"name" toml:"name"`
	Address   string `json:"address,omitempty" toml:"address"`
	OpenHours string `json:"open_hours,omitempty" toml:"open_hours"`
	Active    bool   `json:"active" toml:"active"`
}

type Category struct {
	CategoryID             string   `json:"category_id" toml:"id"`
	Name                   string   `json:"name" toml:"name"`
	Prefix                 string   `json:"prefix" toml:"prefix"`
	Priority               Priority `json:"priority" toml:"priority"`
	RescheduleLimit        int      `json:"reschedule_limit" toml:"reschedule_limit"`
	RescheduleGraceMinutes int      `json:"reschedule_grace_minutes" toml:"reschedule_grace_minutes"`
	EstimatedWaitMinutes   int      `json:"estimated_wait_minutes" toml:"estimated_wait_minutes"`
	Active                 bool     `json:"active" toml:"active"`
}

type Kiosk struct {
	KioskID  string `json:"kiosk_id" toml:"id"`
	BranchID string `json:"branch_id" toml:"branch_id"`
	Name     string `json:"name" toml:"name"`
	Location string `json:"location,omitempty" toml:"location"`
	Active   bool   `json:"active" toml:"active"`
}

type Role struct {
	RoleID      string   `json:"role_id" toml:"id"`
	Name        string   `json:"name" toml:"name"`
	Permissions []string `json:"permissions,omitempty" toml:"permissions"`
}

type User struct {
	UserID       string `json:"user_id" toml:"id"`
	Name         string `json:"name" toml:"name"`
	Email        string `json:"email" toml:"email"`
	RoleID       string `json:"role_id" toml:"role_id"`
	PasswordHash string `json:"-" toml:"-"`
	Active       bool   `json:"active" toml:"active"`
}
