package model

import (
	"regexp"
	"strings"
	"time"
)

type Contact struct {
	ID                int64     `json:"id"`
	ExternalID        string    `json:"externalId"`
	Name              string    `json:"name"`
	Phone             string    `json:"phone"`
	PreferredLanguage string    `json:"preferredLanguage"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"createdAt"`
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

func ValidE164(phone string) bool {
	return e164.MatchString(phone)
}

// NormalizePhone strips common separators so "+1 (909) 555-1234" becomes
// "+19095551234". It does not guess country codes.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
