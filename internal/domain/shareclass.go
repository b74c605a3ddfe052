package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ShareClass is a category of equity. Priority 0 is paid first in a liquidation.
type ShareClass struct {
	ID                 string          `json:"id" yaml:"id"`
	Name               string          `json:"name" yaml:"name"`
	Symbol             string          `json:"symbol" yaml:"symbol"`
	Priority           int             `json:"priority" yaml:"priority"`
	PreferenceMultiple decimal.Decimal `json:"preference_multiple" yaml:"-"`
	NonParticipating   bool            `json:"non_participating,omitempty" yaml:"non_participating"`
}

// Validate checks the static class attributes.
func (c ShareClass) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return &SchemaError{Field: "share_class.id", Reason: "is required"}
	}
	if strings.TrimSpace(c.Name) == "" {
		return &SchemaError{Field: "share_class.name", Reason: "is required"}
	}
	if c.Priority < 0 {
		return &SchemaError{Field: "share_class.priority", Reason: "must not be negative"}
	}
	if c.PreferenceMultiple.IsNegative() {
		return &SchemaError{Field: "share_class.preference_multiple", Reason: "must not be negative"}
	}
	return nil
}

// ClassLookup resolves share classes by id.
type ClassLookup interface {
	ShareClass(id string) (ShareClass, bool)
}

// ClassMap is a ClassLookup backed by a map.
type ClassMap map[string]ShareClass

// ShareClass implements ClassLookup.
func (m ClassMap) ShareClass(id string) (ShareClass, bool) {
	c, ok := m[id]
	return c, ok
}
