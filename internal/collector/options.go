package collector

import (
	"errors"
	"fmt"
	"time"

	"github.com/zoobzio/clockz"
)

// ErrInvalidOptions marks configuration rejected at construction.
var ErrInvalidOptions = errors.New("invalid collector options")

// Terminal reasons recorded when a collection ends. A caller may also pass
// any custom string to Stop.
const (
	ReasonLimit          = "limit"
	ReasonProcessedLimit = "processedLimit"
	ReasonTime           = "time"
	ReasonIdle           = "idle"
	ReasonChannelDelete  = "channelDelete"
	ReasonGuildDelete    = "guildDelete"
	ReasonUser           = "user"
)

// Options configures a collection run. Zero values mean "unset": a
// collector with no limits runs until Stop is called, which is a documented
// outcome, not a bug.
type Options[T any] struct {
	// Max ends the run with ReasonLimit once this many items are accepted.
	Max int
	// MaxProcessed ends the run with ReasonProcessedLimit once this many
	// items have passed channel scoping, accepted or not.
	MaxProcessed int
	// Time ends the run with ReasonTime after an absolute window.
	Time time.Duration
	// Idle ends the run with ReasonIdle after this long without an
	// accepted item. Reset on every acceptance.
	Idle time.Duration
	// Filter vetoes individual items. Rejected items still count toward
	// MaxProcessed. Nil accepts everything.
	Filter func(item T) bool

	// Clock drives the Time and Idle windows. Nil means the real clock;
	// tests inject clockz.NewFakeClock().
	Clock clockz.Clock

	// Observer hooks. All run outside the collector's lock, so they may
	// call back into it (including Stop).
	OnCollect func(item T)
	OnDispose func(item T)
	OnEnd     func(items []T, reason string)
}

func (o *Options[T]) validate() error {
	if o.Max < 0 {
		return fmt.Errorf("%w: max must not be negative, got %d", ErrInvalidOptions, o.Max)
	}
	if o.MaxProcessed < 0 {
		return fmt.Errorf("%w: maxProcessed must not be negative, got %d", ErrInvalidOptions, o.MaxProcessed)
	}
	if o.Time < 0 {
		return fmt.Errorf("%w: time must not be negative, got %s", ErrInvalidOptions, o.Time)
	}
	if o.Idle < 0 {
		return fmt.Errorf("%w: idle must not be negative, got %s", ErrInvalidOptions, o.Idle)
	}
	return nil
}
