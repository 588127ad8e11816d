package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Quality marks whether an address read produced a trustworthy value.
type Quality string

const (
	QualityGood Quality = "good"
	QualityBad  Quality = "bad"
)

// Reading is the result of reading one source address. Either Value/Quality/
// Timestamp are set, or Err carries the per-address fault. A per-address
// fault never implies the whole source is down; see ConnectionError for that.
type Reading struct {
	Address   string
	Value     float64
	Quality   Quality
	Timestamp time.Time
	Err       error
}

// Ok reports whether the reading carries a usable value.
func (r Reading) Ok() bool {
	return r.Err == nil && r.Quality == QualityGood
}

// AddressError is a per-address fault: the source is reachable but one tag
// could not be read (unknown address, device offline, stale value).
type AddressError struct {
	Address string
	Reason  string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("address %s unreadable: %s", e.Address, e.Reason)
}

// ConnectionError is a source-level outage: the gateway itself is
// unreachable, as opposed to one address being unreadable. The collector
// reacts by entering its degraded state instead of recording per-address
// losses.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("source connection fault: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is a source-level outage.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// Reader reads the current value of a batch of source addresses. One Reading
// is returned per requested address, in request order. A non-nil error means
// the read as a whole failed (typically a *ConnectionError) and the readings
// slice must be ignored.
type Reader interface {
	Read(ctx context.Context, addresses []string) ([]Reading, error)
}
