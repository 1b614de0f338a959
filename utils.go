package main

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	e164Regex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	nonDigit  = regexp.MustCompile(`\D`)
)

// FormatToE164 strips formatting from a phone number and validates it as
// E.164. The original input is returned alongside any error.
func FormatToE164(number string) (string, error) {
	original := number

	// drop carrier metadata such as "/TYPE=PLMN"
	number = strings.TrimSpace(strings.Split(number, "/")[0])
	cleaned := "+" + nonDigit.ReplaceAllString(strings.TrimLeft(number, "+"), "")

	if !e164Regex.MatchString(cleaned) {
		return original, fmt.Errorf("unable to format to E.164: %s", original)
	}
	return cleaned, nil
}

// PartiallyRedactMessage keeps the first few characters of a body for logs.
func PartiallyRedactMessage(message string) string {
	r := []rune(message)
	if len(r) <= 10 {
		return "**********"
	}
	return string(r[:5]) + "*****"
}
