package names

import "testing"

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name := Generate()
		if !Valid(name) {
			t.Fatalf("generated invalid name %q", name)
		}
		seen[name] = true
	}
	if len(seen) < 10 {
		t.Fatalf("expected variety, got only %d unique names", len(seen))
	}
}

func TestUniqueAvoidsTakenNames(t *testing.T) {
	taken := map[string]bool{}
	for i := 0; i < 50; i++ {
		name := Unique(func(n string) bool { return taken[n] })
		if taken[name] {
			t.Fatalf("Unique returned taken name %q", name)
		}
		taken[name] = true
	}
}

func TestUniqueFallsBackToSuffix(t *testing.T) {
	calls := 0
	name := Unique(func(n string) bool {
		calls++
		return calls <= maxAttempts
	})
	if calls != maxAttempts+1 || name[len(name)-1] != '2' {
		t.Fatalf("expected numeric suffix after %d collisions, got %q after %d calls", maxAttempts, name, calls)
	}
}

func TestValid(t *testing.T) {
	for name, want := range map[string]bool{
		"AgentA":   true,
		"":         false,
		" AgentA":  false,
		"a/b":      false,
		"Agent B":  true,
		`agent\x`: false,
	} {
		if got := Valid(name); got != want {
			t.Fatalf("Valid(%q) = %v, want %v", name, got, want)
		}
	}
}
