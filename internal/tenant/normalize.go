package tenant

import "strings"

// minSuffixDigits keeps short numbers from suffix-matching almost anything.
const minSuffixDigits = 7

// DigitsOnly strips everything except ASCII digits, so "+52 1 (555) 123" becomes "521555123".
func DigitsOnly(address string) string {
	var b strings.Builder
	b.Grow(len(address))
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// suffixMatch reports whether either digit string ends with the other.
func suffixMatch(a, b string) bool {
	if len(a) < minSuffixDigits || len(b) < minSuffixDigits {
		return false
	}
	return strings.HasSuffix(a, b) || strings.HasSuffix(b, a)
}
