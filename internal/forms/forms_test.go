package forms

import (
	"testing"
	"time"
)

func TestCompareTimestampsMixesLayouts(t *testing.T) {
	if CompareTimestamps("2024-01-02", "2024-01-01T23:59:59.999Z") <= 0 {
		t.Fatalf("expected date-only timestamp to compare as later")
	}
	if CompareTimestamps("2024-01-01", "2024-01-01T00:00:00.000Z") != 0 {
		t.Fatalf("expected equal timestamps to compare equal")
	}
	if CompareTimestamps("b", "a") <= 0 {
		t.Fatalf("expected string fallback ordering")
	}
}

func TestFormatTimestampIsUTCWithMillis(t *testing.T) {
	ts := time.Date(2024, 3, 4, 5, 6, 7, 8_000_000, time.FixedZone("AEST", 10*3600))
	if got := FormatTimestamp(ts); got != "2024-03-03T19:06:07.008Z" {
		t.Fatalf("unexpected timestamp %s", got)
	}
}

func TestLatestVersionPicksGreatestCreatedAt(t *testing.T) {
	draft := FormSubmissionDraft{Versions: []FormSubmissionDraftVersion{
		{ID: "v1", CreatedAt: "2024-01-01T00:00:00.000Z"},
		{ID: "v3", CreatedAt: "2024-01-03T00:00:00.000Z"},
		{ID: "v2", CreatedAt: "2024-01-02T00:00:00.000Z"},
	}}
	latest, ok := draft.LatestVersion()
	if !ok || latest.ID != "v3" {
		t.Fatalf("expected v3, got %+v", latest)
	}
	if _, ok := (FormSubmissionDraft{}).LatestVersion(); ok {
		t.Fatalf("expected no latest version for empty draft")
	}
}
