package contacts

import (
	"regexp"
	"strings"
)

// DefaultCountryPrefix is prepended to area code + subscriber number.
const DefaultCountryPrefix = "55"

// CountryPrefixLen is the only prefix length Format understands; configuration
// rejects anything else.
const CountryPrefixLen = 2

var nonDigit = regexp.MustCompile(`\D`)

// Canonical builds the identifier for an (area, subscriber) pair. Only the
// subscriber number is stripped of non-digits; the area code is taken as is
// so a malformed one fails validation instead of being silently repaired.
func Canonical(prefix, area, subscriber string) string {
	return prefix + strings.TrimSpace(area) + nonDigit.ReplaceAllString(subscriber, "")
}

// Validator checks canonical identifiers: prefix followed by 10 or 11 digits.
type Validator struct {
	prefix string
	re     *regexp.Regexp
}

func NewValidator(prefix string) *Validator {
	if prefix == "" {
		prefix = DefaultCountryPrefix
	}
	return &Validator{
		prefix: prefix,
		re:     regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `\d{10,11}$`),
	}
}

func (v *Validator) Valid(id string) bool { return v.re.MatchString(id) }

// Format renders an identifier for display: (AA) NNNNN-NNNN for 9-digit
// subscribers and (AA) NNNN-NNNN for 8-digit ones. The first
// CountryPrefixLen digits are the country prefix.
func Format(id string) string {
	if len(id) < CountryPrefixLen+4 {
		return id
	}
	area := id[CountryPrefixLen : CountryPrefixLen+2]
	phone := id[CountryPrefixLen+2:]
	if len(phone) == 8 {
		return "(" + area + ") " + phone[:4] + "-" + phone[4:]
	}
	if len(phone) < 6 {
		return "(" + area + ") " + phone
	}
	return "(" + area + ") " + phone[:5] + "-" + phone[5:]
}

// maskedLen is len("(AA) NNXXX-XXXX").
const maskedLen = 15

// Mask hides all but the area code and the first two subscriber digits of a
// formatted number. Output is always 15 characters for 8 and 9 digit
// subscribers; input without the "(AA) x-y" shape is returned unchanged.
func Mask(formatted string) string {
	parts := strings.SplitN(formatted, ") ", 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "(") || !strings.Contains(parts[1], "-") {
		return formatted
	}
	digits := strings.ReplaceAll(parts[1], "-", "")
	if len(digits) < 2 {
		return formatted
	}
	out := parts[0] + ") " + digits[:2] + "XXX-XXXX"
	if len(out) != maskedLen {
		return formatted
	}
	return out
}

// Redact is Mask(Format(id)); use it whenever an identifier reaches a log line.
func Redact(id string) string { return Mask(Format(id)) }
