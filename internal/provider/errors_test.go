package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"generation-orchestrator/internal/models"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		name      string
		err       error
		want      models.ErrorKind
		transient bool
	}{
		{"rejected", Rejected(base), models.ErrKindProviderRejected, false},
		{"wrapped rejected", fmt.Errorf("submit: %w", Rejected(base)), models.ErrKindProviderRejected, false},
		{"unavailable", Unavailable(base), models.ErrKindProviderUnavailable, true},
		{"timeout", Timeout(base), models.ErrKindProviderTimeout, true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), models.ErrKindProviderTimeout, true},
		{"plain", base, models.ErrKindProviderUnavailable, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("want %s got %s", tc.want, got)
			}
			if IsTransient(tc.err) != tc.transient {
				t.Fatalf("transient mismatch for %v", tc.err)
			}
		})
	}
	if !errors.Is(Rejected(base), base) {
		t.Fatalf("provider errors must unwrap to the cause")
	}
}

type stub struct{ id string }

func (s stub) ID() string { return s.id }
func (stub) MapParameters(models.OperationType, map[string]any, []string) (WireParams, error) {
	return WireParams{}, nil
}
func (stub) Submit(context.Context, models.ProviderAccount, WireParams) (string, error) {
	return "", nil
}
func (stub) CheckStatus(context.Context, models.ProviderAccount, string) (StatusResult, error) {
	return StatusResult{}, nil
}
func (stub) Cancel(context.Context, models.ProviderAccount, string) (bool, error) { return false, nil }
func (stub) UploadAsset(context.Context, models.ProviderAccount, string, string) (string, error) {
	return "", nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stub{id: "b"}, stub{id: "a"})
	if _, err := r.Get("a"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := r.Get("zzz"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if RequiredCredits(stub{id: "a"}, models.OpTextToVideo, nil) != 0 {
		t.Fatalf("adapters without an estimator cost nothing")
	}
}
