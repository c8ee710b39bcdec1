package snippets

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	yaml "gopkg.in/yaml.v3"
)

//go:embed snippets.yaml
var defaultFiles embed.FS

const (
	DefaultLanguage   = "javascript"
	DefaultDifficulty = "medium"
)

var ErrUnknownSnippet = errors.New("snippet not found")

// Catalog holds race texts keyed by language and difficulty.
// Embedded defaults load first; files from an override directory replace individual entries.
type Catalog struct {
	mu   sync.RWMutex
	data map[string]string // "language.difficulty" -> text
}

// New loads the embedded snippets and then applies overrides from dir if provided.
func New(overrideDir string) (*Catalog, error) {
	c := &Catalog{data: make(map[string]string)}
	raw, err := fs.ReadFile(defaultFiles, "snippets.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded snippets: %w", err)
	}
	if err := c.applyYAML(raw); err != nil {
		return nil, fmt.Errorf("parse embedded snippets: %w", err)
	}
	if strings.TrimSpace(overrideDir) != "" {
		if err := c.applyDir(overrideDir); err != nil {
			return nil, err
		}
	}
	if _, ok := c.data[key(DefaultLanguage, DefaultDifficulty)]; !ok {
		return nil, fmt.Errorf("catalog is missing the %s.%s fallback", DefaultLanguage, DefaultDifficulty)
	}
	return c, nil
}

func (c *Catalog) applyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read snippet dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	seen := make(map[string]string) // key -> filename
	for _, name := range files {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		flat, err := parseYAML(b)
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		for k := range flat {
			if prev, ok := seen[k]; ok {
				return fmt.Errorf("duplicate snippet %q in %s and %s", k, prev, name)
			}
			seen[k] = name
		}
		c.merge(flat)
	}
	return nil
}

func (c *Catalog) applyYAML(b []byte) error {
	flat, err := parseYAML(b)
	if err != nil {
		return err
	}
	c.merge(flat)
	return nil
}

func (c *Catalog) merge(flat map[string]string) {
	c.mu.Lock()
	for k, v := range flat {
		c.data[k] = v
	}
	c.mu.Unlock()
}

// parseYAML accepts exactly two levels: language, then difficulty with a string leaf.
func parseYAML(b []byte) (map[string]string, error) {
	var doc map[string]map[string]string
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for lang, byDiff := range doc {
		for diff, text := range byDiff {
			if strings.TrimSpace(text) == "" {
				return nil, fmt.Errorf("empty snippet at %s.%s", lang, diff)
			}
			out[key(lang, diff)] = text
		}
	}
	return out, nil
}

func key(language, difficulty string) string {
	return strings.ToLower(strings.TrimSpace(language)) + "." + strings.ToLower(strings.TrimSpace(difficulty))
}

// Get returns the exact entry or ErrUnknownSnippet.
func (c *Catalog) Get(language, difficulty string) (string, error) {
	c.mu.RLock()
	text, ok := c.data[key(language, difficulty)]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownSnippet, language, difficulty)
	}
	return text, nil
}

// Lookup never fails: unknown pairs fall back to the default javascript/medium text.
func (c *Catalog) Lookup(language, difficulty string) string {
	if text, err := c.Get(language, difficulty); err == nil {
		return text
	}
	text, _ := c.Get(DefaultLanguage, DefaultDifficulty)
	return text
}

// Languages lists the known languages in sorted order.
func (c *Catalog) Languages() []string {
	c.mu.RLock()
	set := make(map[string]struct{})
	for k := range c.data {
		set[k[:strings.IndexByte(k, '.')]] = struct{}{}
	}
	c.mu.RUnlock()
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
