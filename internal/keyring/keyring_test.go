package keyring

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeClock returns a settable time source.
func fakeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	return func() time.Time { return current },
		func(d time.Duration) { current = current.Add(d) }
}

func TestAcquire_RoundRobin(t *testing.T) {
	t.Parallel()

	r, err := New([]string{"key-a", "key-b", "key-c"}, Limits{}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got []string
	for i := 0; i < 4; i++ {
		k, err := r.Acquire(10)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		got = append(got, k)
	}
	want := []string{"key-a", "key-b", "key-c", "key-a"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("acquire %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAcquire_RPMExhaustion(t *testing.T) {
	t.Parallel()

	now, advance := fakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	r, err := New([]string{"key-a"}, Limits{RPM: 2}, "", WithClock(now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := r.Acquire(0); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}

	_, err = r.Acquire(0)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err %T does not unwrap to ExhaustedError", err)
	}
	if ex.RetryAt.Before(now()) {
		t.Errorf("RetryAt %v is in the past", ex.RetryAt)
	}

	// The window slides: a minute later the key is usable again.
	advance(61 * time.Second)
	if _, err := r.Acquire(0); err != nil {
		t.Fatalf("Acquire after window: %v", err)
	}
}

func TestAcquire_TPMBudget(t *testing.T) {
	t.Parallel()

	now, advance := fakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	r, err := New([]string{"key-a"}, Limits{TPM: 1000}, "", WithClock(now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.Acquire(800); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := r.Acquire(800); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted (800+800 > 1000)", err)
	}

	advance(61 * time.Second)
	if _, err := r.Acquire(800); err != nil {
		t.Fatalf("acquire after window: %v", err)
	}
}

func TestAcquire_RPDRollsAtUTCMidnight(t *testing.T) {
	t.Parallel()

	now, advance := fakeClock(time.Date(2026, 8, 25, 23, 59, 0, 0, time.UTC))
	r, err := New([]string{"key-a"}, Limits{RPD: 1}, "", WithClock(now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.Acquire(0); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := r.Acquire(0); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}

	advance(2 * time.Minute) // crosses midnight UTC
	if _, err := r.Acquire(0); err != nil {
		t.Fatalf("acquire next day: %v", err)
	}
}

func TestCooldown_RotatesToOtherKeys(t *testing.T) {
	t.Parallel()

	now, advance := fakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	r, err := New([]string{"key-a", "key-b"}, Limits{}, "", WithClock(now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.Cooldown("key-a", time.Minute)
	for i := 0; i < 3; i++ {
		k, err := r.Acquire(0)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if k != "key-b" {
			t.Fatalf("got %q during cooldown, want key-b", k)
		}
	}

	advance(2 * time.Minute)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		k, err := r.Acquire(0)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		seen[k] = true
	}
	if !seen["key-a"] {
		t.Error("key-a never returned after cooldown expired")
	}
}

func TestStatePersistence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now, _ := fakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))

	r, err := New([]string{"key-a"}, Limits{RPD: 2}, dir, WithClock(now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Acquire(100); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := r.Acquire(100); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, StateFileName)); err != nil {
		t.Fatalf("state file not written: %v", err)
	}

	// A fresh Ring over the same state dir sees the spent daily budget.
	r2, err := New([]string{"key-a"}, Limits{RPD: 2}, dir, WithClock(now))
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if _, err := r2.Acquire(0); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted after state reload", err)
	}
}

func TestStatePersistence_CorruptFileIsDiscarded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, StateFileName), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt state: %v", err)
	}

	r, err := New([]string{"key-a"}, Limits{}, dir)
	if err != nil {
		t.Fatalf("New with corrupt state: %v", err)
	}
	if _, err := r.Acquire(0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, Limits{}, ""); err == nil {
		t.Error("empty pool accepted")
	}
	if _, err := New([]string{"a", ""}, Limits{}, ""); err == nil {
		t.Error("empty key accepted")
	}
	if _, err := New([]string{"a", "a"}, Limits{}, ""); err == nil {
		t.Error("duplicate key accepted")
	}
}
