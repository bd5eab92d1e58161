package validator

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ValidateURL accepts absolute http/https URLs only.
func ValidateURL(target string) bool {
	if target == "" {
		return false
	}

	u, err := url.Parse(target)
	if err != nil {
		return false
	}

	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func ValidateMethod(method string) bool {
	validMethods := map[string]bool{
		"GET":     true,
		"POST":    true,
		"PUT":     true,
		"DELETE":  true,
		"PATCH":   true,
		"HEAD":    true,
		"OPTIONS": true,
	}

	return validMethods[strings.ToUpper(method)]
}

// ValidateAgentID enforces the registration contract: non-empty, at most 128
// characters, printable.
func ValidateAgentID(id string) bool {
	if id == "" || utf8.RuneCountInString(id) > 128 {
		return false
	}

	for _, r := range id {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}

	return true
}
