package personalize

import (
	"regexp"
	"strings"
)

const (
	fallbackFirstName = "there"
	fallbackCompany   = "your business"
)

type Recipient struct {
	Email     string
	FirstName string
	LastName  string
	Company   string
}

var tokenPattern = regexp.MustCompile(`(?i)\{\{\s*(first_name|last_name|company|email|full_name)\s*\}\}`)

// Render substitutes recipient tokens in template in a single pass. Values are
// never re-scanned, and tokens it does not know are left as written.
func Render(template string, r Recipient) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	values := r.values()
	return tokenPattern.ReplaceAllStringFunc(template, func(tok string) string {
		name := strings.ToLower(tokenPattern.FindStringSubmatch(tok)[1])
		return values[name]
	})
}

func (r Recipient) values() map[string]string {
	first := strings.TrimSpace(r.FirstName)
	last := strings.TrimSpace(r.LastName)
	company := strings.TrimSpace(r.Company)

	full := strings.TrimSpace(first + " " + last)
	if full == "" {
		full = fallbackFirstName
	}
	if first == "" {
		first = fallbackFirstName
	}
	if company == "" {
		company = fallbackCompany
	}

	return map[string]string{
		"first_name": first,
		"last_name":  last,
		"company":    company,
		"email":      strings.TrimSpace(r.Email),
		"full_name":  full,
	}
}
