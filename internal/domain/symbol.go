// Package domain holds the shared data model: symbols, mapping rules,
// cache envelopes, subscriptions, recovery jobs, and market status.
package domain

import "regexp"

// Symbol is an opaque printable identifier, at most 50 characters, in one
// of two namespaces: standard (system canonical) or provider-native.
type Symbol string

const maxSymbolLength = 50

// Direction indicates which way a symbol translation runs.
type Direction string

const (
	DirectionToStandard   Direction = "to_standard"
	DirectionFromStandard Direction = "from_standard"
)

var standardSymbolPatterns = map[string]*regexp.Regexp{
	"HK": regexp.MustCompile(`(?i)^[0-9]{4,5}\.HK$`),
	"US": regexp.MustCompile(`(?i)^[A-Z]{1,5}\.US$`),
	"US_BARE": regexp.MustCompile(`(?i)^[A-Z]+$`),
	"CN": regexp.MustCompile(`(?i)^[0-9]{6}\.(SH|SZ)$`),
	"SG": regexp.MustCompile(`(?i)^[A-Z0-9]{3,5}\.SG$`),
}

// IsValidStandardSymbol reports whether s matches one of the known market
// symbol formats, per the spec's regex gates.
func IsValidStandardSymbol(s Symbol) bool {
	if len(s) == 0 || len(s) > maxSymbolLength {
		return false
	}
	for key, pattern := range standardSymbolPatterns {
		if key == "US_BARE" {
			continue
		}
		if pattern.MatchString(string(s)) {
			return true
		}
	}
	return standardSymbolPatterns["US_BARE"].MatchString(string(s))
}

// MarketOf derives the market suffix from a standard symbol. A bare
// US-style ticker with no suffix yields "US"; anything else with no
// recognizable suffix yields "".
func MarketOf(s Symbol) string {
	for _, suffix := range []string{".HK", ".US", ".SH", ".SZ", ".SG"} {
		if len(s) > len(suffix) && string(s[len(s)-len(suffix):]) == suffix {
			return suffix[1:]
		}
	}
	if standardSymbolPatterns["US_BARE"].MatchString(string(s)) {
		return "US"
	}
	return ""
}
