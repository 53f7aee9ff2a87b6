// Package subdomain validates, generates, and allocates the labels under
// which tunnels are published.
package subdomain

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

// ErrInvalid is returned when a name cannot be used as a tunnel subdomain.
var ErrInvalid = errors.New("invalid subdomain format")

// Prefix starts every generated subdomain.
const Prefix = "chara"

// generateAttempts bounds how many random names Allocate tries before
// falling back to a numeric suffix.
const generateAttempts = 16

// validLabelRegex matches valid subdomain labels.
// Allows lowercase alphanumeric characters and hyphens, 3-63 characters,
// with no leading or trailing hyphen.
var validLabelRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

// Validate checks if a name is usable as a tunnel subdomain.
// Names are lowercased before validation, so "MyApp" passes as "myapp".
func Validate(name string) error {
	name = strings.ToLower(name)

	// Check minimum length
	if len(name) < 3 {
		return ErrInvalid
	}

	// Check maximum length
	if len(name) > 63 {
		return ErrInvalid
	}

	if !validLabelRegex.MatchString(name) {
		return ErrInvalid
	}

	return nil
}

var (
	adjectives = []string{
		"swift", "bright", "calm", "eager", "happy", "quick", "bold", "keen",
		"warm", "cool", "quiet", "brave", "lucid", "merry", "noble", "spry",
	}
	colors = []string{
		"amber", "azure", "coral", "cyan", "gold", "green", "indigo", "ivory",
		"jade", "lilac", "olive", "pearl", "rose", "ruby", "teal", "violet",
	}
	animals = []string{
		"fox", "owl", "bear", "wolf", "hawk", "deer", "lynx", "orca",
		"puma", "seal", "crane", "heron", "ibis", "mole", "otter", "wren",
	}
)

// Generate returns a random subdomain of the form
// "chara-<adjective>-<color>-<animal>".
func Generate() string {
	return fmt.Sprintf("%s-%s-%s-%s",
		Prefix,
		adjectives[rand.Intn(len(adjectives))],
		colors[rand.Intn(len(colors))],
		animals[rand.Intn(len(animals))],
	)
}

// Allocate picks the subdomain for a new tunnel and reports whether the
// requested name was honored. A requested name wins when its first DNS
// label is valid and free; otherwise random names are tried, and as a last
// resort a numeric suffix disambiguates. The taken callback reports whether
// a name is already claimed; callers hold whatever lock makes that answer
// stable for the duration of the call.
func Allocate(requested string, taken func(string) bool) (string, bool) {
	if requested != "" {
		// Agents may request a full domain; only the first label counts.
		name, _, _ := strings.Cut(strings.ToLower(requested), ".")
		if Validate(name) == nil && !taken(name) {
			return name, true
		}
	}

	for i := 0; i < generateAttempts; i++ {
		if name := Generate(); !taken(name) {
			return name, false
		}
	}

	// The namespace is crowded enough that random draws keep colliding.
	base := Generate()
	for i := 2; ; i++ {
		name := fmt.Sprintf("%s-%d", base, i)
		if !taken(name) {
			return name, false
		}
	}
}
