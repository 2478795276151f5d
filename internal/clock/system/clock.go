// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
)

// Clock implements catalog.Clock using time.Now. Snapshot completion
// times are always recorded in UTC.
type Clock struct{}

var _ catalog.Clock = Clock{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
