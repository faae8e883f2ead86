package channel

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "retryable send error", err: NewRetryableError(CodeRateLimited, errors.New("429")), want: true},
		{name: "permanent send error", err: NewPermanentError(CodeTokenRevoked, errors.New("401")), want: false},
		{name: "wrapped permanent", err: fmt.Errorf("deliver: %w", NewPermanentError(CodeInvalidRecipient, nil)), want: false},
		{name: "plain error defaults retryable", err: errors.New("connection reset"), want: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	if got := ErrorCode(NewPermanentError(CodePermissionDenied, nil)); got != CodePermissionDenied {
		t.Fatalf("unexpected code %q", got)
	}
	if got := ErrorCode(errors.New("boom")); got != "unknown" {
		t.Fatalf("unexpected code %q", got)
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status        int
		wantCode      string
		wantRetryable bool
	}{
		{status: 429, wantCode: CodeRateLimited, wantRetryable: true},
		{status: 401, wantCode: CodeTokenRevoked, wantRetryable: false},
		{status: 403, wantCode: CodePermissionDenied, wantRetryable: false},
		{status: 400, wantCode: CodeInvalidRecipient, wantRetryable: false},
		{status: 404, wantCode: CodeInvalidRecipient, wantRetryable: false},
		{status: 502, wantCode: CodeUpstream, wantRetryable: true},
		{status: 418, wantCode: CodeUpstream, wantRetryable: true},
	}

	for _, tc := range cases {
		se := ClassifyStatus(tc.status, errors.New("upstream"))
		if se.Code != tc.wantCode || se.Retryable != tc.wantRetryable {
			t.Fatalf("status %d: got (%s, %v), want (%s, %v)",
				tc.status, se.Code, se.Retryable, tc.wantCode, tc.wantRetryable)
		}
	}
}

func TestSendErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("rate limit hit")
	se := NewRetryableError(CodeRateLimited, inner)
	if !errors.Is(se, inner) {
		t.Fatal("expected Unwrap to expose the inner error")
	}
}
