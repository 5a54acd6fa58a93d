package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify_DeadlineIsTimeout(t *testing.T) {
	res := classify(fmt.Errorf("call: %w", context.DeadlineExceeded))
	if res.ErrorCode != CodeTimeout {
		t.Errorf("error_code: got %q, want %q", res.ErrorCode, CodeTimeout)
	}
	if res.Success {
		t.Error("timeout result marked success")
	}
}

func TestClassify_GenericIsAPICallFailed(t *testing.T) {
	res := classify(errors.New("connection reset"))
	if res.ErrorCode != CodeAPICallFailed {
		t.Errorf("error_code: got %q, want %q", res.ErrorCode, CodeAPICallFailed)
	}
}

func TestRetryAfterExtraction(t *testing.T) {
	cases := []struct {
		msg  string
		want float64
	}{
		{"Rate limit reached. Please try again in 2.5s.", 2.5},
		{"Too many requests, retry after 30 s", 30},
		{"Please try again in 1s", 1},
		{"no hint here", 0},
	}
	for _, tc := range cases {
		var got float64
		if m := retryAfterRe.FindStringSubmatch(tc.msg); m != nil {
			fmt.Sscanf(m[1], "%f", &got)
		}
		if got != tc.want {
			t.Errorf("%q: got %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := &Registry{}
	res := r.Call(context.Background(), "u1", CallRequest{Model: ModelConfig{Provider: "mystery"}})
	if res.ErrorCode != CodeConfigError {
		t.Errorf("error_code: got %q, want %q", res.ErrorCode, CodeConfigError)
	}
}
