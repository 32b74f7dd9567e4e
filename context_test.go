package dbusrpc

import (
	"context"
	"testing"
	"time"
)

func TestCallOptions(t *testing.T) {
	if got := ContextCallOptions(context.Background()); got != (CallOptions{}) {
		t.Errorf("ContextCallOptions(Background) = %+v, want zero", got)
	}
	if got := ContextCallOptions(nil); got != (CallOptions{}) {
		t.Errorf("ContextCallOptions(nil) = %+v, want zero", got)
	}

	ctx := WithTimeout(context.Background(), 3*time.Second)
	ctx = WithNoAutoStart(ctx)
	want := CallOptions{Timeout: 3 * time.Second, NoAutoStart: true}
	if got := ContextCallOptions(ctx); got != want {
		t.Errorf("ContextCallOptions = %+v, want %+v", got, want)
	}
	if got, want := contextCallFlags(ctx), FlagNoAutoStart; got != want {
		t.Errorf("contextCallFlags = %v, want %v", got, want)
	}

	ctx = WithAllowInteraction(ctx)
	if got, want := contextCallFlags(ctx), FlagNoAutoStart|FlagAllowInteraction; got != want {
		t.Errorf("contextCallFlags = %v, want %v", got, want)
	}

	// Later options replace earlier ones wholesale.
	ctx = WithCallOptions(ctx, CallOptions{AllowInteraction: true})
	if got, want := contextCallFlags(ctx), FlagAllowInteraction; got != want {
		t.Errorf("contextCallFlags after WithCallOptions = %v, want %v", got, want)
	}
	if d := ContextCallOptions(ctx).Timeout; d != 0 {
		t.Errorf("Timeout after WithCallOptions = %v, want 0", d)
	}
}

func TestFlagsString(t *testing.T) {
	tests := []struct {
		in   Flags
		want string
	}{
		{0, "0"},
		{FlagNoReplyExpected, "NoReplyExpected"},
		{FlagNoAutoStart | FlagAllowInteraction, "NoAutoStart|AllowInteraction"},
		{FlagAsync | FlagNoReplyExpected, "NoReplyExpected|Async"},
		{Flags(0x10), "0x10"},
	}
	for _, tc := range tests {
		if got := tc.in.String(); got != tc.want {
			t.Errorf("Flags(%#x).String() = %q, want %q", byte(tc.in), got, tc.want)
		}
	}
}
