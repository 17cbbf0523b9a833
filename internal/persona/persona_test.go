package persona

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func writePersona(t *testing.T, dir, id, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, id+".md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Builtin(t *testing.T) {
	p, err := NewLoader("").Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.ID != DefaultID {
		t.Errorf("ID = %q, want %q", p.ID, DefaultID)
	}
	if !slices.Contains(p.Tools, "search_directory") {
		t.Errorf("Tools = %v, want search_directory", p.Tools)
	}
	if p.Instructions == "" {
		t.Error("Instructions empty")
	}
	if p.Origin() != "persona:concierge" {
		t.Errorf("Origin() = %q", p.Origin())
	}
}

func TestLoad_Frontmatter(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantModel string
		wantTools []string
		wantNil   bool
		wantBody  string
		wantErr   bool
	}{
		{
			name:      "full",
			content:   "---\nmodel: gpt-4o\ntools: [search_directory]\n---\nBe brief.\n",
			wantModel: "gpt-4o",
			wantTools: []string{"search_directory"},
			wantBody:  "Be brief.",
		},
		{
			name:     "no frontmatter allows all tools",
			content:  "Be brief.",
			wantNil:  true,
			wantBody: "Be brief.",
		},
		{
			name:      "empty tool list",
			content:   "---\ntools: []\n---\nNo tools.",
			wantTools: []string{},
			wantBody:  "No tools.",
		},
		{
			name:     "crlf line endings",
			content:  "---\r\nmodel: m\r\n---\r\nHi.",
			wantNil:  true,
			wantBody: "Hi.",
		},
		{name: "unterminated", content: "---\nmodel: m\nHi.", wantErr: true},
		{name: "empty body", content: "---\nmodel: m\n---\n\n", wantErr: true},
		{name: "bad yaml", content: "---\ntools: [a\n---\nHi.", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writePersona(t, dir, "p", tt.content)

			p, err := NewLoader(dir).Load("p")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if tt.wantModel != "" && p.Model != tt.wantModel {
				t.Errorf("Model = %q, want %q", p.Model, tt.wantModel)
			}
			if tt.wantNil && p.Tools != nil {
				t.Errorf("Tools = %v, want nil", p.Tools)
			}
			if tt.wantTools != nil {
				if p.Tools == nil || !slices.Equal(p.Tools, tt.wantTools) {
					t.Errorf("Tools = %#v, want %#v", p.Tools, tt.wantTools)
				}
			}
			if p.Instructions != tt.wantBody {
				t.Errorf("Instructions = %q, want %q", p.Instructions, tt.wantBody)
			}
		})
	}
}

func TestLoad_ReadsAtCallTime(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir)

	writePersona(t, dir, "front", "Version one.")
	p1, err := l.Load("front")
	if err != nil {
		t.Fatal(err)
	}
	writePersona(t, dir, "front", "Version two.")
	p2, err := l.Load("front")
	if err != nil {
		t.Fatal(err)
	}
	if p1.Instructions == p2.Instructions {
		t.Errorf("edit not picked up: %q", p2.Instructions)
	}
}

func TestLoad_DirOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	writePersona(t, dir, DefaultID, "Local override.")

	p, err := NewLoader(dir).Load(DefaultID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Instructions != "Local override." {
		t.Errorf("Instructions = %q", p.Instructions)
	}
}

func TestLoad_NotFound(t *testing.T) {
	for _, id := range []string{"missing", "../etc/passwd", ".hidden"} {
		if _, err := NewLoader(t.TempDir()).Load(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Load(%q) err = %v, want ErrNotFound", id, err)
		}
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	writePersona(t, dir, "intake", "Intake.")
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	ids, err := NewLoader(dir).List()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []string{"concierge", "intake"}) {
		t.Errorf("List() = %v", ids)
	}
}
