package resilience

import (
	"errors"
	"testing"
	"time"
)

const (
	primaryURL   = "ws://primary.example/v1/"
	secondaryURL = "ws://secondary.example/v1/"
)

func newEndpointGroup(maxFailures int) *FallbackGroup[string] {
	fg := NewFallbackGroup(primaryURL, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures: maxFailures,
			Cooldown:    time.Hour,
			MaxCooldown: time.Hour,
			JitterFrac:  -1,
		},
	})
	fg.AddFallback("secondary", secondaryURL)
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()
	fg := newEndpointGroup(3)

	var dialed []string
	err := fg.Execute(func(url string) error {
		dialed = append(dialed, url)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dialed) != 1 || dialed[0] != primaryURL {
		t.Fatalf("dialed = %v, want only the primary", dialed)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	t.Parallel()
	fg := newEndpointGroup(3)

	var dialed []string
	err := fg.Execute(func(url string) error {
		dialed = append(dialed, url)
		if url == primaryURL {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dialed) != 2 || dialed[1] != secondaryURL {
		t.Fatalf("dialed = %v, want primary then secondary", dialed)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	fg := newEndpointGroup(3)

	err := fg.Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want it to wrap the last endpoint error", err)
	}
}

func TestFallbackGroup_SkipsOpenEndpoint(t *testing.T) {
	t.Parallel()
	fg := newEndpointGroup(2)

	for range 2 {
		_ = fg.Execute(func(url string) error {
			if url == primaryURL {
				return errTest
			}
			return nil
		})
	}
	if got := fg.States()["primary"]; got != StateOpen {
		t.Fatalf("primary state = %s, want open", got)
	}

	var dialed []string
	err := fg.Execute(func(url string) error {
		dialed = append(dialed, url)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dialed) != 1 || dialed[0] != secondaryURL {
		t.Fatalf("dialed = %v, want only the secondary while primary is open", dialed)
	}
}

func TestFallbackGroup_AllOpenNeverCallsFn(t *testing.T) {
	t.Parallel()
	fg := newEndpointGroup(1)
	_ = fg.Execute(func(string) error { return errTest })

	called := false
	err := fg.Execute(func(string) error {
		called = true
		return nil
	})
	if called {
		t.Fatal("fn called although every breaker is open")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	t.Parallel()
	fg := newEndpointGroup(3)

	got, err := ExecuteWithResult(fg, func(url string) (string, error) {
		if url == primaryURL {
			return "", errTest
		}
		return "session-" + url, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "session-"+secondaryURL {
		t.Fatalf("result = %q", got)
	}
	if fg.Len() != 2 {
		t.Fatalf("Len = %d, want 2", fg.Len())
	}
}
