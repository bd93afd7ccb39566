// Package system provides the wall clock used for job timing.
package system

import (
	"time"

	"github.com/JakeFAU/media-job-server/internal/job"
)

var _ job.Clock = Clock{}

// Clock reads the wall clock in UTC.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
