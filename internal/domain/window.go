package domain

import (
	"errors"
	"time"
)

// Bucket identifies a fixed-width tumbling time interval by the Unix
// timestamp (seconds) of its start. Counters are aggregated per bucket and
// summed over contiguous bucket ranges at query time.
type Bucket int64

// BucketArchive is the sentinel bucket that holds counts folded out of
// buckets older than the maximum supported window. It sorts before every
// real bucket, so an all-time range naturally includes it.
const BucketArchive Bucket = -1

// BucketOf returns the bucket containing ts for the given bucket width.
func BucketOf(ts time.Time, width time.Duration) Bucket {
	return Bucket(ts.Truncate(width).Unix())
}

// Start returns the start time of the bucket.
func (b Bucket) Start() time.Time {
	return time.Unix(int64(b), 0).UTC()
}

// End returns the end time of the bucket for the given width.
func (b Bucket) End(width time.Duration) time.Time {
	return b.Start().Add(width)
}

// Window is a contiguous range of buckets queried together.
type Window string

const (
	Window1d  Window = "1d"
	Window7d  Window = "7d"
	Window30d Window = "30d"
	WindowAll Window = "all"
)

// ErrInvalidWindow is returned when parsing an unknown window name.
var ErrInvalidWindow = errors.New("window must be '1d', '7d', '30d', or 'all'")

// Windows returns all supported query windows.
func Windows() []Window {
	return []Window{Window1d, Window7d, Window30d, WindowAll}
}

// ParseWindow converts a string into a Window, validating it.
func ParseWindow(s string) (Window, error) {
	w := Window(s)
	if !w.IsValid() {
		return "", ErrInvalidWindow
	}
	return w, nil
}

// IsValid returns true if the window is a known valid value.
func (w Window) IsValid() bool {
	switch w {
	case Window1d, Window7d, Window30d, WindowAll:
		return true
	default:
		return false
	}
}

// Duration returns the span covered by the window, or 0 for the all-time
// window.
func (w Window) Duration() time.Duration {
	switch w {
	case Window1d:
		return 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	case Window30d:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Range returns the inclusive bucket range covering the window as of now.
// The all-time window starts at BucketArchive so folded counts are included.
func (w Window) Range(now time.Time, width time.Duration) (from, to Bucket) {
	to = BucketOf(now, width)
	if w == WindowAll {
		return BucketArchive, to
	}
	return BucketOf(now.Add(-w.Duration()), width), to
}

// QueryMode selects the serving strategy for a top-K query.
type QueryMode string

const (
	// ModeApprox serves tracker candidates directly without exact resolution.
	ModeApprox QueryMode = "approx"
	// ModeExact scans all items in a scope; only valid under the configured
	// cardinality ceiling.
	ModeExact QueryMode = "exact"
	// ModeHybrid resolves tracker candidates against exact counts. Default.
	ModeHybrid QueryMode = "hybrid"
)

// ErrInvalidQueryMode is returned when parsing an unknown query mode.
var ErrInvalidQueryMode = errors.New("mode must be 'approx', 'exact', or 'hybrid'")

// ParseQueryMode converts a string into a QueryMode. An empty string
// defaults to hybrid.
func ParseQueryMode(s string) (QueryMode, error) {
	if s == "" {
		return ModeHybrid, nil
	}
	m := QueryMode(s)
	if !m.IsValid() {
		return "", ErrInvalidQueryMode
	}
	return m, nil
}

// IsValid returns true if the mode is a known valid value.
func (m QueryMode) IsValid() bool {
	switch m {
	case ModeApprox, ModeExact, ModeHybrid:
		return true
	default:
		return false
	}
}
