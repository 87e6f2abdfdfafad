package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	p := NewPolicy(5, time.Millisecond)
	err := p.Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	p := NewPolicy(5, time.Millisecond)
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsBudget(t *testing.T) {
	calls := 0
	wantErr := errors.New("persistent")
	p := NewPolicy(4, time.Millisecond)
	err := p.Do(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	p := NewPolicy(5, 50*time.Millisecond)
	err := p.Do(ctx, func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	// ctx checked before the first attempt too
	if calls > 1 {
		t.Errorf("calls = %d, want at most 1", calls)
	}
}

func TestDo_DelayCapped(t *testing.T) {
	p := Policy{Attempts: 3, Delay: time.Millisecond, Multiplier: 1000, MaxDelay: 2 * time.Millisecond}
	start := time.Now()
	p.Do(context.Background(), func() error { return errors.New("x") })
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("backoff not capped: took %v", elapsed)
	}
}
