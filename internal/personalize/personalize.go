// Package personalize renders message templates against contact fields.
//
// Placeholders use double braces, e.g. "Hi {{firstName}}". Token names are
// matched case-insensitively and surrounding whitespace inside the braces is
// ignored, so "{{ FirstName }}" works too. Unrecognized placeholders pass
// through verbatim; a template typo should be visible in the sent text, not
// silently erased.
package personalize

import (
	"regexp"
	"strings"

	"outreachd/internal/domain"
)

var tokenRe = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Fallbacks used when the contact field is empty. Tokens without an entry
// here fall back to the empty string.
var fallbacks = map[string]string{
	"firstname": "there",
	"fullname":  "there",
	"company":   "your company",
}

// Render substitutes every known placeholder in body with the contact's
// fields.
func Render(body string, c *domain.Contact) string {
	if c == nil || !strings.Contains(body, "{{") {
		return body
	}
	return tokenRe.ReplaceAllStringFunc(body, func(m string) string {
		name := strings.ToLower(strings.TrimSpace(m[2 : len(m)-2]))
		val, known := lookup(name, c)
		if !known {
			return m
		}
		if val == "" {
			return fallbacks[name]
		}
		return val
	})
}

func lookup(name string, c *domain.Contact) (string, bool) {
	switch name {
	case "firstname":
		return c.FirstName, true
	case "lastname":
		return c.LastName, true
	case "fullname":
		return c.FullName(), true
	case "company":
		return c.Company, true
	case "city":
		return c.City, true
	case "state":
		return c.State, true
	case "country":
		return c.Country, true
	case "email":
		return c.Email, true
	case "phone":
		return c.Phone, true
	default:
		return "", false
	}
}
