package common

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRenewalErrorFormat(t *testing.T) {
	tests := []struct {
		name string
		err  *RenewalError
		want string
	}{
		{
			name: "full",
			err: WrapError(errors.New("boom"), KindDNSProvider, "create txt record", "provider rejected request").
				WithResource("example.com"),
			want: "[DNS_PROVIDER] create txt record: resource=example.com: provider rejected request (cause: boom)",
		},
		{
			name: "minimal",
			err:  &RenewalError{Kind: KindNotFound},
			want: "NOT_FOUND",
		},
		{
			name: "no cause",
			err:  NewError(KindConfigMissing, "load settings", "missing CF_TOKEN"),
			want: "[CONFIG_MISSING] load settings: missing CF_TOKEN",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOfThroughChain(t *testing.T) {
	inner := NewError(KindZoneNotFound, "lookup zone", "no zone for example.org")
	wrapped := fmt.Errorf("starting renewal: %w", inner)

	if got := KindOf(wrapped); got != KindZoneNotFound {
		t.Errorf("KindOf() = %q, want %q", got, KindZoneNotFound)
	}
	if !IsKind(wrapped, KindZoneNotFound) {
		t.Error("IsKind() = false, want true")
	}
	if IsKind(wrapped, KindCancelled) {
		t.Error("IsKind() matched the wrong kind")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain errors must report an empty kind")
	}
}

func TestUnwrapPreservesSentinels(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := WrapError(sentinel, KindACMEProtocol, "finalize order", "")
	if !errors.Is(err, sentinel) {
		t.Error("errors.Is must find the wrapped sentinel")
	}
	if !strings.Contains(err.Error(), "sentinel") {
		t.Error("message must include the cause")
	}
}
