package naming

import (
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/fleetforge/backend/internal/apperrs"
)

const (
	// HashLength is the size of the random suffix appended to user chosen names.
	HashLength = 6

	// MaxNameLength bounds instance names before the hash suffix is added.
	MaxNameLength = 50

	specialCharacters = " !\"#$%&'()*+,./:;<=>?@[]^_`{|}~\\"
)

var (
	hashCharset      = append(append([]rune{}, lo.LowerCaseLettersCharset...), lo.NumbersCharset...)
	subdomainPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	stackNameInvalid = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
)

// GenerateHashedName draws a fresh random hash for name and returns it together with
// the remote resource name. The hash is never derived from name.
func GenerateHashedName(name string) (hash string, hashed string) {
	hash = lo.RandomString(HashLength, hashCharset)
	return hash, RehashDynamicName(name, hash)
}

// RehashDynamicName recomputes the remote resource name from a stored hash.
func RehashDynamicName(name, hash string) string {
	return name + "-" + hash
}

// IsSubdomainValid reports whether name can be used as a DNS label.
func IsSubdomainValid(name string) bool {
	if name == "" || len(name) > MaxNameLength {
		return false
	}
	return subdomainPattern.MatchString(name)
}

// CheckInstanceNameValidity runs right before an instance row is written.
func CheckInstanceNameValidity(name string) error {
	if strings.ContainsAny(name, specialCharacters) || !subdomainPattern.MatchString(name) {
		return apperrs.BadRequest("name_contains_invalid_characters", "name contains invalid characters")
	}
	if len(name) > MaxNameLength {
		return apperrs.BadRequest("name_is_long", "name is too long")
	}
	return nil
}

// StackProjectName turns an environment path or an email into a valid
// infrastructure-as-code project name.
func StackProjectName(s string) string {
	out := stackNameInvalid.ReplaceAllString(strings.TrimSpace(s), "_")
	out = strings.Trim(out, "_")
	if out == "" {
		return "default"
	}
	return out
}
