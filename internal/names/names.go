// Package names generates agent names for workers that register without one.
package names

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

var (
	adjectives = []string{
		"Quiet", "Steely", "Tactical", "Relative", "Lapsed", "Serious",
		"Uninvited", "Youthful", "Honest", "Limiting", "Reasonable", "Sleeper",
		"Frank", "Irregular", "Learned", "Legitimate", "Outside", "Reformed",
		"Sanctioned", "Unreliable", "Unqualified", "Transient", "Optimal", "Pending",
	}

	nouns = []string{
		"Gravitas", "Ambition", "Attitude", "Problem", "Regret", "Doubt",
		"Patience", "Virtue", "Subtlety", "Restraint", "Irony", "Context",
		"Margin", "Signal", "Noise", "Consequence", "Certainty", "Protocol",
		"Horizon", "Tangent", "Vector", "Gradient", "Threshold", "Resonance",
		"Grace", "Glint", "Service", "Salvage", "Excuse", "Guest",
	}
)

// maxAttempts bounds random draws before Unique falls back to a counter.
const maxAttempts = 32

// Generate returns a random CamelCase agent name such as "SteelyGlint".
func Generate() string {
	return adjectives[rand.IntN(len(adjectives))] + nouns[rand.IntN(len(nouns))]
}

// Unique returns a generated name for which taken reports false. After
// maxAttempts collisions it appends a numeric suffix.
func Unique(taken func(string) bool) string {
	name := Generate()
	for i := 0; i < maxAttempts; i++ {
		if !taken(name) {
			return name
		}
		name = Generate()
	}
	base := name
	for n := 2; ; n++ {
		name = fmt.Sprintf("%s%d", base, n)
		if !taken(name) {
			return name
		}
	}
}

// Valid reports whether name is usable as an agent name: non-empty, no
// surrounding whitespace and no path separators.
func Valid(name string) bool {
	return name != "" && strings.TrimSpace(name) == name && !strings.ContainsAny(name, `/\`)
}
