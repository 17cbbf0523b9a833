// Package persona loads agent personas: the behavioral instructions,
// default model and tool allow-list for one agent configuration.
// Personas are markdown files with YAML frontmatter and are read on
// every call, so an edit takes effect on the next turn without a
// restart.
package persona

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.md
var defaultFiles embed.FS

// DefaultID is the persona used when a request names none.
const DefaultID = "concierge"

// ErrNotFound is returned for an unknown persona id.
var ErrNotFound = errors.New("persona not found")

// Persona is one agent configuration.
type Persona struct {
	ID          string
	Description string
	// Model overrides the configured default model when set.
	Model string
	// Tools is the allow-list of tool names. Nil allows every
	// registered tool; an empty list allows none.
	Tools        []string
	Instructions string
}

// Origin tags prompt breakdown sections derived from this persona.
func (p *Persona) Origin() string {
	return "persona:" + p.ID
}

type frontmatter struct {
	Description string   `yaml:"description"`
	Model       string   `yaml:"model"`
	Tools       []string `yaml:"tools"`
}

// Loader reads personas from a directory, falling back to the built-in
// defaults for ids the directory does not define.
type Loader struct {
	dir string
}

// NewLoader creates a loader for dir. An empty dir serves only the
// built-in personas.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads the persona with the given id. An empty id loads
// [DefaultID].
func (l *Loader) Load(id string) (*Persona, error) {
	if id == "" {
		id = DefaultID
	}
	if strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	name := id + ".md"

	if l.dir != "" {
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		switch {
		case err == nil:
			return parse(id, data)
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("read persona %s: %w", id, err)
		}
	}

	data, err := defaultFiles.ReadFile("defaults/" + name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return parse(id, data)
}

// List returns the ids of all available personas, sorted.
func (l *Loader) List() ([]string, error) {
	seen := make(map[string]bool)

	builtin, _ := fs.ReadDir(defaultFiles, "defaults")
	for _, e := range builtin {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			seen[strings.TrimSuffix(e.Name(), ".md")] = true
		}
	}

	if l.dir != "" {
		entries, err := os.ReadDir(l.dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read personas dir: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
				seen[strings.TrimSuffix(e.Name(), ".md")] = true
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func parse(id string, data []byte) (*Persona, error) {
	meta, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("persona %s: %w", id, err)
	}
	var fm frontmatter
	if meta != "" {
		if err := yaml.Unmarshal([]byte(meta), &fm); err != nil {
			return nil, fmt.Errorf("persona %s: parse frontmatter: %w", id, err)
		}
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("persona %s: instructions are empty", id)
	}
	return &Persona{
		ID:           id,
		Description:  fm.Description,
		Model:        fm.Model,
		Tools:        fm.Tools,
		Instructions: body,
	}, nil
}

// splitFrontmatter separates a leading "---" delimited YAML block from
// the body. Input without frontmatter is returned whole as the body.
func splitFrontmatter(raw string) (meta, body string, err error) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	if !strings.HasPrefix(raw, "---\n") {
		return "", raw, nil
	}
	rest := raw[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", errors.New("unterminated frontmatter")
	}
	meta = rest[:end]
	body = strings.TrimLeft(rest[end+len("\n---"):], "\n")
	return meta, body, nil
}
