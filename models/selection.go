package models

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Category names one of the fixed artifact trees that can be synchronized.
type Category string

const (
	// CategorySettings is the per-skin settings directory.
	CategorySettings Category = "settings"
	// CategoryWidgets is the per-skin widget configuration directory and its JSON sidecar.
	CategoryWidgets Category = "widgets"
	// CategoryKeymaps is the shared keymaps directory.
	CategoryKeymaps Category = "keymaps"
)

// AllCategories lists every category in transfer order.
var AllCategories = []Category{CategorySettings, CategoryWidgets, CategoryKeymaps}

// Selection is the set of categories taking part in a transfer.
type Selection map[Category]bool

// NewSelection builds a selection from the given categories.
func NewSelection(categories ...Category) Selection {
	sel := make(Selection, len(categories))
	for _, c := range categories {
		sel[c] = true
	}
	return sel
}

// ParseCategory maps a user-supplied name onto a Category.
func ParseCategory(raw string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "settings", "skin":
		return CategorySettings, nil
	case "widgets", "widget":
		return CategoryWidgets, nil
	case "keymaps", "keymap":
		return CategoryKeymaps, nil
	default:
		return "", errors.Newf("unknown category %q", raw)
	}
}

// Has reports whether c is selected.
func (s Selection) Has(c Category) bool {
	return s[c]
}

// Empty reports whether nothing is selected.
func (s Selection) Empty() bool {
	for _, on := range s {
		if on {
			return false
		}
	}
	return true
}

// Categories returns the selected categories in transfer order.
func (s Selection) Categories() []Category {
	out := make([]Category, 0, len(s))
	for _, c := range AllCategories {
		if s[c] {
			out = append(out, c)
		}
	}
	return out
}

// String renders the selection as a comma-separated list.
func (s Selection) String() string {
	names := make([]string, 0, len(s))
	for _, c := range s.Categories() {
		names = append(names, string(c))
	}
	return strings.Join(names, ",")
}

// Validate rejects an empty selection.
func (s Selection) Validate() error {
	if s.Empty() {
		return ErrEmptySelection
	}
	return nil
}
