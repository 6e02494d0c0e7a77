// Package ids generates the identifiers used for accounts and audit entries.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier. Sorting ids sorts by
// creation time, which keeps account listings and audit entries ordered
// without a separate sequence column.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns an identifier stamped with the given time.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
