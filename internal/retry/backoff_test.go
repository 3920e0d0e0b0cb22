// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(retries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      retries,
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     300 * time.Millisecond,
		Multiplier:      2,
	})
	want := []time.Duration{100, 100, 200, 300, 300}
	for attempt, w := range want {
		if got := b(attempt); got != w*time.Millisecond {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, w*time.Millisecond)
		}
	}
}

func TestExponentialBackoff_JitterBounds(t *testing.T) {
	b := ExponentialBackoff(BackoffConfig{InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 2, Jitter: true})
	for i := 0; i < 100; i++ {
		if d := b(1); d < 500*time.Millisecond || d >= time.Second {
			t.Fatalf("jittered delay %v outside [500ms,1s)", d)
		}
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_Exhausted(t *testing.T) {
	sentinel := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fastConfig(2), "op", func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want wrapped sentinel", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_Stop(t *testing.T) {
	sentinel := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(5), "op", func(context.Context) error {
		calls++
		return Stop(sentinel)
	})
	if err != sentinel {
		t.Fatalf("err = %v, want unwrapped sentinel", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := BackoffConfig{InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1, MaxRetries: 3}

	calls := 0
	err := Do(ctx, cfg, "op", func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
