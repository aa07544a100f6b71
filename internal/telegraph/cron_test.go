package telegraph

import (
	"testing"
	"time"
)

func TestNextCronDuration_ValidExpression(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	d := nextCronDuration("0 9 * * *", now)
	if d != 30*time.Minute {
		t.Fatalf("expected 30m, got %v", d)
	}
}

func TestNextCronDuration_InvalidExpression(t *testing.T) {
	if d := nextCronDuration("not a cron expr", time.Now()); d != 0 {
		t.Fatalf("expected 0 for invalid expression, got %v", d)
	}
}

func TestNextCronDuration_EveryHalfHour(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 10, 0, 0, time.UTC)
	d := nextCronDuration("*/30 * * * *", now)
	if d != 20*time.Minute {
		t.Fatalf("expected 20m, got %v", d)
	}
}

func TestNextCronDuration_Descriptor(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 45, 0, 0, time.UTC)
	if d := nextCronDuration("@hourly", now); d != 15*time.Minute {
		t.Fatalf("expected 15m, got %v", d)
	}
}
