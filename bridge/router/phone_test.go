package router

import (
	"testing"

	"github.com/wabridge/wabridge/bridge/config"
)

func TestCanonical(t *testing.T) {
	n := NewNormalizer(config.OutboundConfig{
		CountryCode: "972",
		TrunkPrefix: "0",
		PhoneDomain: "c.us",
	})

	tests := []struct {
		in   string
		want string
	}{
		// Trunk prefix replaced by country code.
		{"0501234567", "972501234567@c.us"},
		// Already country-prefixed passes through.
		{"972501234567", "972501234567@c.us"},
		// Other bare numbers keep their digits.
		{"15551234567", "15551234567@c.us"},
		// Group handles and addressable IDs go through verbatim.
		{"123456789-987654@g.us", "123456789-987654@g.us"},
		{"972501234567@c.us", "972501234567@c.us"},
		// Too short to be a bare number.
		{"12345", "12345"},
		// Non-numeric.
		{"+972 50 123 4567", "+972 50 123 4567"},
	}

	for _, tt := range tests {
		if got := n.Canonical(tt.in); got != tt.want {
			t.Errorf("Canonical(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalWithoutCountryCode(t *testing.T) {
	n := NewNormalizer(config.OutboundConfig{TrunkPrefix: "0", PhoneDomain: "c.us"})

	// Without a configured country code no digit rewriting happens, but
	// bare numbers still get the domain suffix.
	if got := n.Canonical("0501234567"); got != "0501234567@c.us" {
		t.Errorf("got %q", got)
	}
}
