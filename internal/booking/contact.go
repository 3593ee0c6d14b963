package booking

import (
	"net/mail"
	"strings"
	"unicode"
)

// PlaceholderEmail is used when neither party has a usable email address.
const PlaceholderEmail = "noreply@example.com"

// placeholderSubscriber is a syntactically valid mobile number used when the
// input has too few digits.
const placeholderSubscriber = "612345678"

var countryPrefixes = map[string]string{
	"FR": "33",
	"BE": "32",
	"CH": "41",
	"DE": "49",
	"ES": "34",
	"IT": "39",
	"GB": "44",
	"NL": "31",
	"PT": "351",
	"LU": "352",
}

// PhonePrefix returns the international dialing prefix of country, defaulting to France.
func PhonePrefix(country string) string {
	if p, ok := countryPrefixes[strings.ToUpper(country)]; ok {
		return p
	}
	return "33"
}

// NormalizePhone rewrites phone into +<prefix><number> form for country.
func NormalizePhone(phone, country string) string {
	prefix := PhonePrefix(country)
	if strings.TrimSpace(phone) == "" {
		return "+33" + placeholderSubscriber
	}

	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
	digits = strings.TrimPrefix(digits, "00")

	switch {
	case len(digits) < 9:
		return "+" + prefix + placeholderSubscriber
	case strings.HasPrefix(digits, prefix):
		return "+" + digits
	case strings.HasPrefix(digits, "0"):
		return "+" + prefix + digits[1:]
	default:
		return "+" + prefix + digits
	}
}

// ValidEmail reports whether addr is a bare, syntactically valid address.
func ValidEmail(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return false
	}
	at := strings.LastIndex(addr, "@")
	return at > 0 && strings.Contains(addr[at+1:], ".")
}

// ShipperEmail picks the shipper email, then the recipient email, then PlaceholderEmail.
func ShipperEmail(shipper, recipient string) string {
	if ValidEmail(shipper) {
		return strings.TrimSpace(shipper)
	}
	if strings.TrimSpace(recipient) != "" {
		return strings.TrimSpace(recipient)
	}
	return PlaceholderEmail
}
