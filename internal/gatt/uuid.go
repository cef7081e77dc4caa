package gatt

import (
	"fmt"

	"github.com/google/uuid"
)

// UUID is a 128-bit service or characteristic identifier.
type UUID uuid.UUID

// ParseUUID parses s in any form accepted by uuid.Parse, including the
// 32-digit form without hyphens.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("parse uuid %q: %w", s, err)
	}
	return UUID(u), nil
}

// MustParseUUID parses s and panics on error. Use it for constants.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// String returns the canonical hyphenated lower-case form.
func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// Equal reports whether u and v are the same identifier.
func (u UUID) Equal(v UUID) bool {
	return u == v
}

// Contains reports whether u is in uu.
func Contains(uu []UUID, u UUID) bool {
	for _, v := range uu {
		if v == u {
			return true
		}
	}
	return false
}
