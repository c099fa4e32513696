package fonts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/font/sfnt"
)

// ErrUnknownFamily is returned when a requested family is not configured.
var ErrUnknownFamily = errors.New("unknown font family")

// ErrUnknownFile is returned when a requested font file is not registered.
var ErrUnknownFile = errors.New("unknown font file")

// SrcEntry declares one font file of a family. Weight and Style may be empty
// for single-file families (treated as 400/normal). Weight accepts a single
// value ("400", "bold") or a variable range ("100 900").
type SrcEntry struct {
	Path   string `yaml:"path"`
	Weight string `yaml:"weight"`
	Style  string `yaml:"style"`
}

// FamilyConfig declares a self-hosted font family: an ordered src list,
// the subsets to expose as unicode-range descriptors, and display behavior.
type FamilyConfig struct {
	Name     string     `yaml:"name"`
	Src      []SrcEntry `yaml:"src"`
	Subsets  []string   `yaml:"subsets"`
	Display  string     `yaml:"display"`
	Fallback []string   `yaml:"fallback"`
}

// Face is one loaded font file with its resolved descriptors.
type Face struct {
	File       string // served filename (basename of Path)
	DiskPath   string
	Format     string // truetype, opentype, woff2
	Weight     string
	Style      string
	UnitsPerEm int // 0 for woff2 (not parsed)
}

// Family is a loaded font family with its generated class name.
type Family struct {
	Name      string
	ClassName string
	Display   string
	Subsets   []string
	Fallback  []string
	Faces     []Face
}

// Registry holds the loaded font families and hands out CSS and file paths.
// Reload swaps the whole state atomically; safe for concurrent use.
type Registry struct {
	dir     string
	configs []FamilyConfig

	mu       sync.RWMutex
	families map[string]*Family
	order    []string
	files    map[string]*Face // served filename -> face
}

// NewRegistry loads every configured family from dir. ttf/otf files are parsed
// to verify they are real sfnt fonts; woff2 files are served as-is (the woff2
// container is not parseable without a brotli decoder, and serving does not
// need its metrics).
func NewRegistry(dir string, configs []FamilyConfig) (*Registry, error) {
	r := &Registry{dir: dir, configs: configs}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads all font files from disk and swaps the registry state.
// On error the previous state is kept.
func (r *Registry) Reload() error {
	families := make(map[string]*Family, len(r.configs))
	files := make(map[string]*Face)
	var order []string

	for _, cfg := range r.configs {
		fam, err := r.loadFamily(cfg)
		if err != nil {
			return fmt.Errorf("load family %q: %w", cfg.Name, err)
		}
		key := familyKey(cfg.Name)
		if _, dup := families[key]; dup {
			return fmt.Errorf("duplicate font family %q", cfg.Name)
		}
		families[key] = fam
		order = append(order, key)
		for i := range fam.Faces {
			face := &fam.Faces[i]
			if prev, dup := files[face.File]; dup && prev.DiskPath != face.DiskPath {
				return fmt.Errorf("duplicate font file name %q", face.File)
			}
			files[face.File] = face
		}
	}

	r.mu.Lock()
	r.families = families
	r.order = order
	r.files = files
	r.mu.Unlock()
	return nil
}

func (r *Registry) loadFamily(cfg FamilyConfig) (*Family, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("family name is required")
	}
	if len(cfg.Src) == 0 {
		return nil, fmt.Errorf("at least one src entry is required")
	}
	for _, sub := range cfg.Subsets {
		if _, ok := subsetRanges[sub]; !ok {
			return nil, fmt.Errorf("unknown subset %q", sub)
		}
	}

	display := cfg.Display
	if display == "" {
		display = "swap"
	}

	fam := &Family{
		Name:      cfg.Name,
		ClassName: className(cfg),
		Display:   display,
		Subsets:   cfg.Subsets,
		Fallback:  cfg.Fallback,
	}

	for _, src := range cfg.Src {
		face, err := r.loadFace(src)
		if err != nil {
			return nil, fmt.Errorf("src %q: %w", src.Path, err)
		}
		fam.Faces = append(fam.Faces, face)
	}
	return fam, nil
}

func (r *Registry) loadFace(src SrcEntry) (Face, error) {
	base := filepath.Base(src.Path)
	if base != src.Path {
		return Face{}, fmt.Errorf("path must be a bare filename, got %q", src.Path)
	}

	format, err := formatForFile(base)
	if err != nil {
		return Face{}, err
	}

	weight, err := normalizeWeight(src.Weight)
	if err != nil {
		return Face{}, err
	}
	style, err := normalizeStyle(src.Style)
	if err != nil {
		return Face{}, err
	}

	diskPath := filepath.Join(r.dir, base)
	data, err := os.ReadFile(diskPath)
	if err != nil {
		return Face{}, fmt.Errorf("read font file: %w", err)
	}

	face := Face{
		File:     base,
		DiskPath: diskPath,
		Format:   format,
		Weight:   weight,
		Style:    style,
	}

	if format != "woff2" {
		f, err := sfnt.Parse(data)
		if err != nil {
			return Face{}, fmt.Errorf("parse font: %w", err)
		}
		face.UnitsPerEm = int(f.UnitsPerEm())
	}
	return face, nil
}

// Family returns the loaded family by (case-insensitive) name.
func (r *Registry) Family(name string) (*Family, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fam, ok := r.families[familyKey(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, name)
	}
	return fam, nil
}

// Families returns all loaded families in configuration order.
func (r *Registry) Families() []*Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Family, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.families[key])
	}
	return out
}

// FilePath resolves a served filename to its disk path and content type.
// Rejects anything that is not a registered bare filename, which also shuts
// the door on path traversal.
func (r *Registry) FilePath(name string) (string, string, error) {
	if name != filepath.Base(name) || strings.Contains(name, "..") {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownFile, name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	face, ok := r.files[name]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownFile, name)
	}
	return face.DiskPath, contentTypeForFormat(face.Format), nil
}

// Dir returns the watched font directory.
func (r *Registry) Dir() string {
	return r.dir
}

// className derives the stable generated class name for a family from its
// configuration, mirroring the documented "returns a generated class name"
// contract: same config, same class; any change busts it.
func className(cfg FamilyConfig) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", cfg.Name, cfg.Display)
	for _, s := range cfg.Src {
		fmt.Fprintf(h, "|%s:%s:%s", s.Path, s.Weight, s.Style)
	}
	subs := append([]string(nil), cfg.Subsets...)
	sort.Strings(subs)
	fmt.Fprintf(h, "|%s", strings.Join(subs, ","))
	return "af-" + slug(cfg.Name) + "-" + hex.EncodeToString(h.Sum(nil))[:8]
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func familyKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func formatForFile(name string) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ttf":
		return "truetype", nil
	case ".otf":
		return "opentype", nil
	case ".woff2":
		return "woff2", nil
	default:
		return "", fmt.Errorf("unsupported font file extension %q", filepath.Ext(name))
	}
}

func contentTypeForFormat(format string) string {
	switch format {
	case "truetype":
		return "font/ttf"
	case "opentype":
		return "font/otf"
	default:
		return "font/woff2"
	}
}

// normalizeWeight accepts css weight keywords, a single 1-1000 value, or a
// "min max" variable range.
func normalizeWeight(w string) (string, error) {
	w = strings.TrimSpace(w)
	switch w {
	case "":
		return "400", nil
	case "normal":
		return "400", nil
	case "bold":
		return "700", nil
	}
	parts := strings.Fields(w)
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid weight %q", w)
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 1000 {
			return "", fmt.Errorf("invalid weight %q", w)
		}
	}
	return strings.Join(parts, " "), nil
}

func normalizeStyle(s string) (string, error) {
	switch strings.TrimSpace(s) {
	case "", "normal":
		return "normal", nil
	case "italic":
		return "italic", nil
	default:
		return "", fmt.Errorf("invalid style %q", s)
	}
}
