package router

import (
	"regexp"
	"strings"

	"github.com/wabridge/wabridge/bridge/config"
)

// bareNumber matches recipients that look like a plain phone number.
// Anything else (group handles, already-addressable identifiers) is used
// verbatim.
var bareNumber = regexp.MustCompile(`^[0-9]{10,}$`)

// Normalizer canonicalizes bare phone numbers into backend-addressable
// identifiers by the configured country-code rule.
type Normalizer struct {
	countryCode string
	trunkPrefix string
	domain      string
}

// NewNormalizer creates a Normalizer from the outbound config.
func NewNormalizer(cfg config.OutboundConfig) *Normalizer {
	return &Normalizer{
		countryCode: cfg.CountryCode,
		trunkPrefix: cfg.TrunkPrefix,
		domain:      cfg.PhoneDomain,
	}
}

// Canonical maps a recipient string to its backend-addressable form.
// Numbers already carrying the country code pass through; a leading
// trunk prefix is replaced by the country code; other numbers keep
// their digits. All bare numbers get the backend domain suffix.
func (n *Normalizer) Canonical(recipient string) string {
	if !bareNumber.MatchString(recipient) {
		return recipient
	}

	num := recipient
	switch {
	case n.countryCode != "" && strings.HasPrefix(num, n.countryCode):
		// Already canonical.
	case n.countryCode != "" && n.trunkPrefix != "" && strings.HasPrefix(num, n.trunkPrefix):
		num = n.countryCode + num[len(n.trunkPrefix):]
	}

	return num + "@" + n.domain
}
