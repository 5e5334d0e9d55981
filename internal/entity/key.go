// Package entity provides type-safe identity types for schedulable sync
// targets. It consolidates key normalization (lowercase, trimmed) and
// provides compile-time safety over raw string usage.
//
// Two types cover the codebase's identity needs:
//   - Type: the entity domain (bank, card, tax)
//   - Key: composite (Type, ID) pair used for map keys, file names, and
//     database lookups
//
// This is a leaf package with zero external dependencies beyond stdlib.
package entity

import (
	"fmt"
	"strings"
)

// Type is the domain of a sync target. Only the three declared values are
// valid; ParseType rejects everything else.
type Type string

// Valid entity types.
const (
	TypeBank Type = "bank"
	TypeCard Type = "card"
	TypeTax  Type = "tax"
)

// ParseType converts a raw string to a Type, normalizing case. Returns an
// error for unknown values so config typos surface at load time instead of
// producing intents that no automator can serve.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeBank:
		return TypeBank, nil
	case TypeCard:
		return TypeCard, nil
	case TypeTax:
		return TypeTax, nil
	default:
		return "", fmt.Errorf("entity: unknown entity type %q (want bank, card, or tax)", raw)
	}
}

// String returns the type's canonical lowercase form.
func (t Type) String() string {
	return string(t)
}

// Key identifies one schedulable sync target: an entity type plus an
// institution identifier (e.g., bank "shinhan", card "samsung"). The zero
// value (Key{}) represents an absent or unknown entity.
type Key struct {
	Type Type
	ID   string
}

// NewKey creates a normalized Key. The ID is lowercased and trimmed so
// "Shinhan" and "shinhan " key the same registry entry and credential file.
func NewKey(t Type, id string) Key {
	return Key{Type: t, ID: strings.ToLower(strings.TrimSpace(id))}
}

// ParseKey parses the canonical "type:id" form produced by String.
func ParseKey(raw string) (Key, error) {
	typ, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return Key{}, fmt.Errorf("entity: malformed key %q (want type:id)", raw)
	}

	t, err := ParseType(typ)
	if err != nil {
		return Key{}, err
	}

	return NewKey(t, id), nil
}

// String returns the canonical "type:id" form.
func (k Key) String() string {
	return string(k.Type) + ":" + k.ID
}

// IsZero reports whether this is the zero-value Key.
func (k Key) IsZero() bool {
	return k.Type == "" && k.ID == ""
}
