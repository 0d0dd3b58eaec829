package cronexpr

import (
	"testing"
	"time"
)

func TestNext(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 30, 15, 0, time.UTC)

	cases := []struct {
		expr string
		want time.Time
	}{
		{"*/1 * * * *", time.Date(2025, 3, 10, 12, 31, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)},
		{"15 9 * * *", time.Date(2025, 3, 11, 9, 15, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
		// six-field form with seconds
		{"30 * * * * *", time.Date(2025, 3, 10, 12, 30, 30, 0, time.UTC)},
	}

	for _, c := range cases {
		got, err := Next(c.expr, base)
		if err != nil {
			t.Fatalf("Next(%q): %v", c.expr, err)
		}
		if !got.Equal(c.want) {
			t.Fatalf("Next(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestNextStrictlyAfterBase(t *testing.T) {
	// Base exactly on a fire boundary: the result must be the next
	// slot, not the base itself.
	base := time.Date(2025, 3, 10, 12, 30, 0, 0, time.UTC)
	got, err := Next("*/1 * * * *", base)
	if err != nil {
		t.Fatal(err)
	}
	if !got.After(base) {
		t.Fatalf("Next returned %v, not after base %v", got, base)
	}
	if want := base.Add(time.Minute); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextDeterministic(t *testing.T) {
	base := time.Date(2025, 6, 1, 8, 0, 42, 0, time.UTC)
	first, err := Next("*/5 * * * *", base)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		got, err := Next("*/5 * * * *", base)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(first) {
			t.Fatalf("Next not deterministic: got %v, first %v", got, first)
		}
	}
}

func TestInvalidExpression(t *testing.T) {
	for _, expr := range []string{"", "not a cron", "99 * * * *", "* * * *"} {
		if err := Validate(expr); err == nil {
			t.Fatalf("Validate(%q): expected error", expr)
		}
		if _, err := Next(expr, time.Now()); err == nil {
			t.Fatalf("Next(%q): expected error", expr)
		}
	}
}
