package glob

import "testing"

func TestPatternsOverlap(t *testing.T) {
	tests := []struct {
		a, b    string
		overlap bool
	}{
		{"*.go", "*.go", true},
		{"*.go", "*.rs", false},
		{"foo.go", "foo.go", true},
		{"foo.go", "bar.go", false},
		{"*.go", "main.go", true},
		{"internal/*.go", "internal/http.go", true},
		{"internal/*.go", "pkg/*.go", false},
		{"src/[a-z]*.go", "src/main.go", true},
		{"src/[A-Z]*.go", "src/main.go", false},
	}
	for _, tt := range tests {
		got, err := PatternsOverlap(tt.a, tt.b)
		if err != nil {
			t.Errorf("PatternsOverlap(%q, %q) error: %v", tt.a, tt.b, err)
			continue
		}
		if got != tt.overlap {
			t.Errorf("PatternsOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.overlap)
		}
	}
}

func TestValidateComplexity(t *testing.T) {
	// Normal pattern should pass
	if err := ValidateComplexity("internal/http/*.go"); err != nil {
		t.Fatalf("normal pattern rejected: %v", err)
	}

	// Overly complex pattern with many wildcards
	complex := "?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?"
	if err := ValidateComplexity(complex); err == nil {
		t.Fatal("expected complexity error for pattern with many wildcards")
	}
}

func TestPatternsOverlapSuperStar(t *testing.T) {
	tests := []struct {
		a, b    string
		overlap bool
	}{
		{"src/auth/**", "src/auth/oauth.ts", true},
		{"src/auth/**", "src/other.ts", false},
		{"src/**", "src/a/b/c.go", true},
		{"src/**/c.go", "src/c.go", true},
		{"src/**/c.go", "src/a/b/d.go", false},
		{"**", "anything/at/all", true},
		{"src/**/*.ts", "src/auth/*.ts", true},
		{"src/**/*.ts", "lib/**", false},
		{"a/**/z", "**/b/**", true},
	}
	for _, tt := range tests {
		got, err := PatternsOverlap(tt.a, tt.b)
		if err != nil {
			t.Errorf("PatternsOverlap(%q, %q) error: %v", tt.a, tt.b, err)
			continue
		}
		if got != tt.overlap {
			t.Errorf("PatternsOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.overlap)
		}
		if rev, _ := PatternsOverlap(tt.b, tt.a); rev != got {
			t.Errorf("PatternsOverlap not symmetric for %q, %q", tt.a, tt.b)
		}
	}
}

func TestPatternsOverlapClasses(t *testing.T) {
	tests := []struct {
		a, b    string
		overlap bool
	}{
		{"src/[!a-z]*.go", "src/main.go", false},
		{"src/[abc].go", "src/b.go", true},
		{"src/[abc].go", "src/[d-z].go", false},
		{"src/[!a-z]*.go", "src/Main.go", true},
		{"src/[a-c]?.go", "src/[c-e]x.go", true},
		{"src/[a-c]?.go", "src/[d-f]x.go", false},
		{`src/\*.go`, "src/*.go", true},
		{"a*b", "c*", false},
		{"a*b*c", "a*x*c", true},
	}
	for _, tt := range tests {
		got, err := PatternsOverlap(tt.a, tt.b)
		if err != nil {
			t.Errorf("PatternsOverlap(%q, %q) error: %v", tt.a, tt.b, err)
			continue
		}
		if got != tt.overlap {
			t.Errorf("PatternsOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.overlap)
		}
	}
}

func TestPatternsOverlapRejectsBadClasses(t *testing.T) {
	for _, p := range []string{"src/[a-", "src/[z-a].go", `src/trailing\`, "src/[a-cx].go", "src/[].go"} {
		if _, err := PatternsOverlap(p, "src/x.go"); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}

func TestPatternsOverlapBraces(t *testing.T) {
	tests := []struct {
		a, b    string
		overlap bool
	}{
		{"src/{a,b}.ts", "src/a.t?", true},
		{"src/{a,b}.ts", "src/c.t?", false},
		{"{src,lib}/**", "lib/x.go", true},
		{"src/{a,{b,c}}.go", "src/c.go", true},
		{"src/{a,b}/*.go", "src/{c,d}/*.go", false},
		{`src/\{a,b}.go`, "src/a.go", false},
		{`src/\{a,b}.go`, `src/\{a,b\}.go`, true},
	}
	for _, tt := range tests {
		got, err := PatternsOverlap(tt.a, tt.b)
		if err != nil {
			t.Errorf("PatternsOverlap(%q, %q) error: %v", tt.a, tt.b, err)
			continue
		}
		if got != tt.overlap {
			t.Errorf("PatternsOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.overlap)
		}
	}
}

func TestBraceErrors(t *testing.T) {
	for _, p := range []string{"src/{a,b.ts", "{a,b}{a,b}{a,b}{a,b}{a,b}{a,b}{a,b}"} {
		if err := ValidateComplexity(p); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}
