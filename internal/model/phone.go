package model

import (
	"regexp"
	"strings"
)

// UserServer is the jid server suffix for individual accounts.
const UserServer = "s.whatsapp.net"

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]{3,50}$`)

// ValidateSessionID checks the externally assigned session identifier.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return &ValidationError{
			Field:  "sessionId",
			Reason: "use only alphanumeric characters, dashes, and underscores (3-50 chars)",
		}
	}
	return nil
}

// PhoneFormatter normalizes local phone numbers into network jids for a
// default country code.
type PhoneFormatter struct {
	CountryCode string
	pattern     *regexp.Regexp
}

// NewPhoneFormatter returns a formatter for the given country calling code.
func NewPhoneFormatter(countryCode string) *PhoneFormatter {
	cc := strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	if cc == "" {
		cc = "62"
	}
	return &PhoneFormatter{
		CountryCode: cc,
		pattern:     regexp.MustCompile(`^(\+?` + regexp.QuoteMeta(cc) + `|0)[0-9]{9,12}$`),
	}
}

// Validate accepts local (0...), international (cc...) and +cc... forms.
func (f *PhoneFormatter) Validate(phone string) error {
	if !f.pattern.MatchString(phone) {
		return &ValidationError{Field: "phoneNumber", Reason: "expected 0…, " + f.CountryCode + "… or +" + f.CountryCode + "… followed by 9-12 digits"}
	}
	return nil
}

// Normalize strips non-digits and applies the default country code.
func (f *PhoneFormatter) Normalize(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	number := b.String()

	switch {
	case strings.HasPrefix(number, "0"):
		number = f.CountryCode + number[1:]
	case !strings.HasPrefix(number, f.CountryCode):
		number = f.CountryCode + number
	}
	return number
}

// JID returns the user jid for a phone number.
func (f *PhoneFormatter) JID(phone string) string {
	return f.Normalize(phone) + "@" + UserServer
}

// PhoneFromJID extracts the user part of a jid, dropping any device suffix.
func PhoneFromJID(jid string) string {
	if jid == "" {
		return ""
	}
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

// IsBroadcastJID reports whether the jid addresses a broadcast list or status.
func IsBroadcastJID(jid string) bool {
	return strings.Contains(jid, "@broadcast")
}
