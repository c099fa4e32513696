package fonts

import (
	"errors"
	"strings"
	"testing"
)

func cssTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := writeFontDir(t, "inter-regular.woff2", "inter-bold.woff2", "mono.woff2")
	r, err := NewRegistry(dir, []FamilyConfig{
		{
			Name: "Inter",
			Src: []SrcEntry{
				{Path: "inter-regular.woff2", Weight: "400", Style: "normal"},
				{Path: "inter-bold.woff2", Weight: "700", Style: "normal"},
			},
			Subsets:  []string{"latin"},
			Display:  "swap",
			Fallback: []string{"Helvetica Neue", "sans-serif"},
		},
		{
			Name: "Code Mono",
			Src:  []SrcEntry{{Path: "mono.woff2", Weight: "100 900"}},
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}

// TestRegistry_CSS verifies the rendered stylesheet structure.
func TestRegistry_CSS(t *testing.T) {
	r := cssTestRegistry(t)

	css, err := r.CSS("/fonts/files/", nil)
	if err != nil {
		t.Fatalf("CSS() error = %v", err)
	}

	if got := strings.Count(css, "@font-face"); got != 3 {
		t.Errorf("@font-face blocks = %d, want 3", got)
	}
	for _, want := range []string{
		"font-family: 'Inter';",
		"font-weight: 400;",
		"font-weight: 700;",
		"font-weight: 100 900;",
		"font-display: swap;",
		"src: url(/fonts/files/inter-regular.woff2) format('woff2');",
		"src: url(/fonts/files/inter-bold.woff2) format('woff2');",
		"unicode-range: U+0000-00FF",
	} {
		if !strings.Contains(css, want) {
			t.Errorf("CSS() missing %q", want)
		}
	}

	// Class rules with a quoted custom fallback and a bare generic family.
	inter, _ := r.Family("Inter")
	wantRule := "." + inter.ClassName + " {\n  font-family: 'Inter', 'Helvetica Neue', sans-serif;\n}"
	if !strings.Contains(css, wantRule) {
		t.Errorf("CSS() missing class rule %q", wantRule)
	}

	// The unsubsetted family carries no unicode-range line.
	monoIdx := strings.Index(css, "font-family: 'Code Mono';")
	if monoIdx < 0 {
		t.Fatal("CSS() missing Code Mono face")
	}
	monoBlock := css[monoIdx:]
	if end := strings.Index(monoBlock, "}"); end >= 0 {
		monoBlock = monoBlock[:end]
	}
	if strings.Contains(monoBlock, "unicode-range") {
		t.Error("Code Mono face has unicode-range, want none")
	}
}

// TestRegistry_CSS_FamilyFilter verifies the names filter and unknown-family error.
func TestRegistry_CSS_FamilyFilter(t *testing.T) {
	r := cssTestRegistry(t)

	css, err := r.CSS("/fonts/files", []string{"Code Mono"})
	if err != nil {
		t.Fatalf("CSS() error = %v", err)
	}
	if strings.Contains(css, "'Inter'") {
		t.Error("filtered CSS contains unrequested family")
	}
	if !strings.Contains(css, "'Code Mono'") {
		t.Error("filtered CSS missing requested family")
	}

	if _, err := r.CSS("/fonts/files", []string{"Nope"}); !errors.Is(err, ErrUnknownFamily) {
		t.Errorf("CSS(unknown) error = %v, want ErrUnknownFamily", err)
	}
}

// TestUnicodeRangeFor verifies subset combination.
func TestUnicodeRangeFor(t *testing.T) {
	if got := unicodeRangeFor(nil); got != "" {
		t.Errorf("unicodeRangeFor(nil) = %q, want empty", got)
	}
	got := unicodeRangeFor([]string{"greek", "greek-ext"})
	if !strings.Contains(got, "U+0370-0377") || !strings.Contains(got, "U+1F00-1FFE") {
		t.Errorf("unicodeRangeFor(greek, greek-ext) = %q, missing ranges", got)
	}
}
