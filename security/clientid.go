package security

import "regexp"

// clientIDPattern matches client identifiers that are safe to interpolate
// into identity-directory search filters. Anything outside [A-Za-z0-9]
// (whitespace, quotes, query metacharacters such as ? = ", and the rest of
// the ASCII special set) is rejected to defend against filter injection.
var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// ValidClientID reports whether id is a syntactically safe client identifier.
func ValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}
