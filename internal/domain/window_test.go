package domain

import (
	"errors"
	"testing"
	"time"
)

func TestBucketOf_TruncatesToWidth(t *testing.T) {
	width := time.Hour
	ts := time.Date(2025, 6, 1, 12, 42, 17, 0, time.UTC)

	b := BucketOf(ts, width)
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if !b.Start().Equal(want) {
		t.Errorf("bucket start = %v, want %v", b.Start(), want)
	}
	if !b.End(width).Equal(want.Add(time.Hour)) {
		t.Errorf("bucket end = %v, want %v", b.End(width), want.Add(time.Hour))
	}
}

func TestBucketOf_SameBucketForSameInterval(t *testing.T) {
	width := time.Hour
	a := BucketOf(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), width)
	b := BucketOf(time.Date(2025, 6, 1, 12, 59, 59, 0, time.UTC), width)
	c := BucketOf(time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), width)

	if a != b {
		t.Errorf("timestamps in the same interval map to different buckets: %d vs %d", a, b)
	}
	if a == c {
		t.Error("timestamps in adjacent intervals map to the same bucket")
	}
}

func TestBucketArchive_SortsBeforeRealBuckets(t *testing.T) {
	b := BucketOf(time.Unix(0, 0), time.Hour)
	if BucketArchive >= b {
		t.Errorf("archive bucket %d should sort before %d", BucketArchive, b)
	}
}

func TestWindow_Range_Bounded(t *testing.T) {
	width := time.Hour
	now := time.Date(2025, 6, 30, 15, 30, 0, 0, time.UTC)

	from, to := Window1d.Range(now, width)
	if to != BucketOf(now, width) {
		t.Errorf("range end = %d, want current bucket %d", to, BucketOf(now, width))
	}
	if from != BucketOf(now.Add(-24*time.Hour), width) {
		t.Errorf("range start = %d, want bucket of now-24h", from)
	}
	if from > to {
		t.Error("range start after range end")
	}
}

func TestWindow_Range_AllIncludesArchive(t *testing.T) {
	now := time.Date(2025, 6, 30, 15, 30, 0, 0, time.UTC)
	from, to := WindowAll.Range(now, time.Hour)
	if from != BucketArchive {
		t.Errorf("all-time range start = %d, want archive bucket %d", from, BucketArchive)
	}
	if to != BucketOf(now, time.Hour) {
		t.Errorf("all-time range end = %d, want current bucket", to)
	}
}

func TestWindow_Duration(t *testing.T) {
	tests := []struct {
		window Window
		want   time.Duration
	}{
		{Window1d, 24 * time.Hour},
		{Window7d, 7 * 24 * time.Hour},
		{Window30d, 30 * 24 * time.Hour},
		{WindowAll, 0},
	}
	for _, tt := range tests {
		if got := tt.window.Duration(); got != tt.want {
			t.Errorf("%s duration = %v, want %v", tt.window, got, tt.want)
		}
	}
}

func TestParseWindow(t *testing.T) {
	for _, s := range []string{"1d", "7d", "30d", "all"} {
		w, err := ParseWindow(s)
		if err != nil {
			t.Errorf("ParseWindow(%q) error: %v", s, err)
		}
		if string(w) != s {
			t.Errorf("ParseWindow(%q) = %q", s, w)
		}
	}

	if _, err := ParseWindow("90d"); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("expected ErrInvalidWindow, got %v", err)
	}
}

func TestParseQueryMode_DefaultsToHybrid(t *testing.T) {
	m, err := ParseQueryMode("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != ModeHybrid {
		t.Errorf("empty mode = %q, want hybrid", m)
	}

	if _, err := ParseQueryMode("fuzzy"); !errors.Is(err, ErrInvalidQueryMode) {
		t.Errorf("expected ErrInvalidQueryMode, got %v", err)
	}
}
