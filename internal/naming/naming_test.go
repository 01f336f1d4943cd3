package naming

import (
	"strings"
	"testing"

	"github.com/fleetforge/backend/internal/apperrs"
)

func TestGenerateHashedName(t *testing.T) {
	hash, hashed := GenerateHashedName("web")

	if len(hash) != HashLength {
		t.Fatalf("hash length = %d, want %d", len(hash), HashLength)
	}
	if hashed != "web-"+hash {
		t.Errorf("hashed = %q, want %q", hashed, "web-"+hash)
	}
	for _, r := range hash {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			t.Errorf("hash contains unexpected rune %q", r)
		}
	}
}

func TestGenerateHashedNameIsRandom(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		hash, _ := GenerateHashedName("web")
		seen[hash] = true
	}
	if len(seen) < 2 {
		t.Errorf("hash is not random: %v", seen)
	}
}

func TestRehashDynamicName(t *testing.T) {
	hash, hashed := GenerateHashedName("api")

	once := RehashDynamicName("api", hash)
	twice := RehashDynamicName("api", hash)

	if once != twice {
		t.Errorf("rehash not idempotent: %q != %q", once, twice)
	}
	if once != hashed {
		t.Errorf("rehash = %q, want original %q", once, hashed)
	}
}

func TestIsSubdomainValid(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"web-01", true},
		{"API", true},
		{"", false},
		{"web_01", false},
		{"web.01", false},
		{"web 01", false},
		{"wéb", false},
		{strings.Repeat("a", 50), true},
		{strings.Repeat("a", 51), false},
	}

	for _, tt := range tests {
		if got := IsSubdomainValid(tt.name); got != tt.want {
			t.Errorf("IsSubdomainValid(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCheckInstanceNameValidity(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"web-01", ""},
		{"web/01", "name_contains_invalid_characters"},
		{"web@01", "name_contains_invalid_characters"},
		{"web_01", "name_contains_invalid_characters"},
		{`web\01`, "name_contains_invalid_characters"},
		{strings.Repeat("a", 51), "name_is_long"},
	}

	for _, tt := range tests {
		err := CheckInstanceNameValidity(tt.name)
		if tt.code == "" {
			if err != nil {
				t.Errorf("CheckInstanceNameValidity(%q) error = %v", tt.name, err)
			}
			continue
		}
		if !apperrs.CodeIs(err, tt.code) {
			t.Errorf("CheckInstanceNameValidity(%q) = %v, want code %s", tt.name, err, tt.code)
		}
	}
}

func TestStackProjectName(t *testing.T) {
	tests := map[string]string{
		"envs/web app":       "envs_web_app",
		"jane.doe@corp.io":   "jane.doe_corp.io",
		"  ":                 "default",
		"already-valid_name": "already-valid_name",
	}
	for in, want := range tests {
		if got := StackProjectName(in); got != want {
			t.Errorf("StackProjectName(%q) = %q, want %q", in, got, want)
		}
	}
}
