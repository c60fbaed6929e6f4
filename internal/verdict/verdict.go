// Package verdict decides pass/fail from actual vs expected program
// output. The default policy normalises line endings and surrounding
// whitespace on the whole string; strict mode compares bytes as-is.
package verdict

import "strings"

// Normalize replaces CRLF with LF and trims leading/trailing whitespace
// from the whole string. There is no per-line trimming and no numeric
// tolerance.
func Normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

// Compare reports whether actual matches expected. With strict set
// (configuration key strict_whitespace_diffing) the comparison is exact
// byte equality with no normalisation.
func Compare(actual, expected string, strict bool) bool {
	if strict {
		return actual == expected
	}
	return Normalize(actual) == Normalize(expected)
}
