// Package idgen generates sortable identifiers used where the core itself
// needs an opaque id but has no natural sequence to draw one from — a
// projection.Runner's internal correlation ids for log lines, not
// originator_id values a caller supplies.
package idgen

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// MustGenerateSortableID returns a new lexically sortable ULID string.
// Panics only if the entropy source misbehaves, which does not happen with
// math/rand's default source.
func MustGenerateSortableID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}
