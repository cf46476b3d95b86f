package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func asEngineError(err error, target **EngineError) bool {
	return errors.As(err, target)
}

func TestEngineError_Format(t *testing.T) {
	err := NewProvisioningError("provisioner failed", fmt.Errorf("boom")).
		WithResource("cluster").
		WithOperation("apply")

	want := "[provisioning] provisioner failed (group=cluster, operation=apply): boom"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitCompleted},
		{"configuration", NewConfigurationError("bad", nil), ExitConfiguration},
		{"provisioning", NewProvisioningError("failed", nil), ExitProvisioning},
		{"cancellation", NewCancellationError("stop", context.Canceled), ExitProvisioning},
		{"wrapped configuration", fmt.Errorf("load: %w", NewConfigurationError("bad", nil)), ExitConfiguration},
		{"plain error", errors.New("plain"), ExitProvisioning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewTransientError("x", nil)) {
		t.Error("Transient errors should be retryable")
	}
	if !IsRetryable(NewThrottledError("x", nil)) {
		t.Error("Throttled errors should be retryable")
	}
	if !IsRetryable(NewConflictError("x", nil)) {
		t.Error("Conflict errors should be retryable")
	}
	if IsRetryable(NewPermanentError("x", nil)) {
		t.Error("Permanent errors should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("Plain errors should not be retryable")
	}
}

func TestClassifyProvisionerError(t *testing.T) {
	t.Run("run cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := classifyProvisionerError(ctx, "db", context.Canceled)
		if !IsCancellationError(err) {
			t.Errorf("Expected cancellation error, got %v", err)
		}
	})

	t.Run("group deadline", func(t *testing.T) {
		err := classifyProvisionerError(context.Background(), "db", fmt.Errorf("call: %w", context.DeadlineExceeded))
		if !IsProvisioningError(err) {
			t.Errorf("Expected provisioning error, got %v", err)
		}
		if err.Code != ErrCodeTimeout {
			t.Errorf("Expected code %s, got %s", ErrCodeTimeout, err.Code)
		}
	})

	t.Run("backend failure keeps cause class", func(t *testing.T) {
		err := classifyProvisionerError(context.Background(), "db", NewPermanentError("quota", nil))
		if err.Details["cause_class"] != string(ErrorClassPermanent) {
			t.Errorf("Expected cause_class detail, got %v", err.Details)
		}
		if err.Resource != "db" {
			t.Errorf("Expected resource db, got %s", err.Resource)
		}
	})
}
