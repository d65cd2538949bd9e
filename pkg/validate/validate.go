// Package validate provides pure validation functions for data captured during
// conversations: identity numbers, emails, dates and phone numbers.
//
// All functions are total: malformed input yields false, never a panic or an
// error. Callers re-prompt the correspondent on failure.
package validate

import (
	"strings"
)

// digitsOnly strips every non-digit rune from s.
func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IdentityNumber reports whether s is a valid 11-digit identity number.
// Formatting characters (dots, dashes, spaces) are stripped before checking.
// Numbers with all digits identical are rejected outright; the two trailing
// check digits must match the weighted-sum-mod-11 checksum of the leading nine.
func IdentityNumber(s string) bool {
	digits := digitsOnly(s)
	if len(digits) != 11 {
		return false
	}

	// All-identical sequences (e.g. 111.111.111-11) pass the checksum but are
	// not assignable numbers.
	allSame := true
	for i := 1; i < len(digits); i++ {
		if digits[i] != digits[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return false
	}

	return int(digits[9]-'0') == checkDigit(digits[:9]) &&
		int(digits[10]-'0') == checkDigit(digits[:10])
}

// checkDigit computes the mod-11 check digit over prefix using descending
// weights starting at len(prefix)+1. Remainders 10 and 11 map to 0.
func checkDigit(prefix string) int {
	sum := 0
	weight := len(prefix) + 1
	for i := 0; i < len(prefix); i++ {
		sum += int(prefix[i]-'0') * weight
		weight--
	}
	d := 11 - sum%11
	if d >= 10 {
		return 0
	}
	return d
}

// CompleteIdentityNumber appends the two check digits to a 9-digit seed.
// Returns "" if the seed is not exactly nine digits.
func CompleteIdentityNumber(seed string) string {
	digits := digitsOnly(seed)
	if len(digits) != 9 {
		return ""
	}
	d1 := checkDigit(digits)
	digits += string(rune('0' + d1))
	d2 := checkDigit(digits)
	return digits + string(rune('0'+d2))
}

// Email reports whether s looks like a deliverable email address: exactly one
// "@", non-empty local and domain parts, and a dot-separated domain suffix of
// at least two characters.
func Email(s string) bool {
	at := strings.IndexByte(s, '@')
	if at <= 0 || at != strings.LastIndexByte(s, '@') {
		return false
	}

	domain := s[at+1:]
	if domain == "" {
		return false
	}

	dot := strings.LastIndexByte(domain, '.')
	if dot <= 0 || dot == len(domain)-1 {
		return false
	}
	if len(domain)-dot-1 < 2 {
		return false
	}

	// No whitespace anywhere.
	return !strings.ContainsAny(s, " \t\n")
}

// daysInMonth returns the number of days in the given month/year, accounting
// for leap years.
func daysInMonth(month, year int) int {
	switch month {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	case 2:
		if year%4 == 0 && (year%100 != 0 || year%400 == 0) {
			return 29
		}
		return 28
	default:
		return 0
	}
}

// Date reports whether s is a calendar-valid date in DD/MM/YYYY form.
func Date(s string) bool {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return false
	}
	if len(parts[0]) != 2 || len(parts[1]) != 2 || len(parts[2]) != 4 {
		return false
	}

	day, ok := atoi(parts[0])
	if !ok {
		return false
	}
	month, ok := atoi(parts[1])
	if !ok {
		return false
	}
	year, ok := atoi(parts[2])
	if !ok {
		return false
	}

	if month < 1 || month > 12 {
		return false
	}
	if day < 1 || day > daysInMonth(month, year) {
		return false
	}
	return true
}

// atoi parses a string of ASCII digits. Unlike strconv.Atoi it refuses signs
// and whitespace, which keeps Date strict about its format.
func atoi(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, true
}

// Phone reports whether s is a plausible national phone number: 10 digits
// (landline) or 11 digits (mobile) after stripping formatting, with a
// non-zero area code.
func Phone(s string) bool {
	digits := digitsOnly(s)
	if len(digits) != 10 && len(digits) != 11 {
		return false
	}
	// Area code cannot start with 0.
	if digits[0] == '0' {
		return false
	}
	// Mobile numbers carry a leading 9 on the subscriber part.
	if len(digits) == 11 && digits[2] != '9' {
		return false
	}
	return true
}
