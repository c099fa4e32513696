package fonts

import (
	"fmt"
	"strings"
)

// CSS renders the @font-face blocks and class rules for the named families
// (all families when names is empty). urlPrefix is the public path under
// which font files are served, e.g. "/fonts/files".
func (r *Registry) CSS(urlPrefix string, names []string) (string, error) {
	var fams []*Family
	if len(names) == 0 {
		fams = r.Families()
	} else {
		for _, name := range names {
			fam, err := r.Family(name)
			if err != nil {
				return "", err
			}
			fams = append(fams, fam)
		}
	}

	urlPrefix = strings.TrimRight(urlPrefix, "/")
	var b strings.Builder
	for _, fam := range fams {
		writeFamily(&b, fam, urlPrefix)
	}
	return b.String(), nil
}

func writeFamily(b *strings.Builder, fam *Family, urlPrefix string) {
	unicodeRange := unicodeRangeFor(fam.Subsets)
	for _, face := range fam.Faces {
		b.WriteString("@font-face {\n")
		fmt.Fprintf(b, "  font-family: '%s';\n", fam.Name)
		fmt.Fprintf(b, "  font-style: %s;\n", face.Style)
		fmt.Fprintf(b, "  font-weight: %s;\n", face.Weight)
		fmt.Fprintf(b, "  font-display: %s;\n", fam.Display)
		fmt.Fprintf(b, "  src: url(%s/%s) format('%s');\n", urlPrefix, face.File, face.Format)
		if unicodeRange != "" {
			fmt.Fprintf(b, "  unicode-range: %s;\n", unicodeRange)
		}
		b.WriteString("}\n")
	}

	stack := fontStack(fam)
	fmt.Fprintf(b, ".%s {\n  font-family: %s;\n}\n", fam.ClassName, stack)
}

func fontStack(fam *Family) string {
	parts := []string{fmt.Sprintf("'%s'", fam.Name)}
	for _, fb := range fam.Fallback {
		if isGenericFamily(fb) {
			parts = append(parts, fb)
		} else {
			parts = append(parts, fmt.Sprintf("'%s'", fb))
		}
	}
	return strings.Join(parts, ", ")
}

func isGenericFamily(name string) bool {
	switch strings.ToLower(name) {
	case "serif", "sans-serif", "monospace", "cursive", "fantasy", "system-ui":
		return true
	}
	return false
}
