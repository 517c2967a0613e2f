package utils

import (
	"fmt"
	"strings"

	"github.com/badoux/checkmail"
)

var (
	disposableDomains = map[string]bool{
		"mailinator.com":    true,
		"guerrillamail.com": true,
		"10minutemail.com":  true,
		"tempmail.com":      true,
		"trashmail.com":     true,
		"yopmail.com":       true,
		"sharklasers.com":   true,
		"getnada.com":       true,
		"dispostable.com":   true,
		"throwawaymail.com": true,
	}

	// Common email typos
	commonTypos = map[string]string{
		"gmai.com":   "gmail.com",
		"gmal.com":   "gmail.com",
		"gmail.co":   "gmail.com",
		"yaho.com":   "yahoo.com",
		"hotmai.com": "hotmail.com",
		"outlok.com": "outlook.com",
	}
)

// ExtractDomain extracts domain from email address
func ExtractDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}

// CheckRecipient rejects addresses that would bounce or burn sender
// reputation. The MX lookup only runs when checkHost is set since it needs DNS.
func CheckRecipient(email string, checkHost bool) error {
	const op = "verify.recipient"
	email = strings.ToLower(strings.TrimSpace(email))

	if err := checkmail.ValidateFormat(email); err != nil {
		return NewError(KindValidation, op, fmt.Sprintf("invalid recipient %q: %v", email, err))
	}

	localPart, domain, _ := strings.Cut(email, "@")
	if suggested, ok := commonTypos[domain]; ok {
		return NewError(KindValidation, op, fmt.Sprintf("possible typo in %q, did you mean %s@%s?", email, localPart, suggested))
	}
	if disposableDomains[domain] {
		return NewError(KindValidation, op, fmt.Sprintf("recipient %q uses a disposable domain", email))
	}

	if checkHost {
		if err := checkmail.ValidateHost(email); err != nil {
			return NewError(KindValidation, op, fmt.Sprintf("recipient domain %s does not accept mail: %v", domain, err))
		}
	}
	return nil
}
