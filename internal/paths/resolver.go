// Package paths resolves file paths named in configuration. A relative
// path is taken relative to the directory holding the config file, so
// a deployment behaves the same whatever directory it is started from.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// Resolver anchors relative paths at a base directory. It is nil-safe:
// a nil *Resolver only expands home directory tildes.
type Resolver struct {
	base string
}

// New creates a Resolver anchored at base. Home directory tildes (~)
// in base are expanded at construction time.
func New(base string) *Resolver {
	return &Resolver{base: ExpandHome(base)}
}

// ForFile creates a Resolver anchored at the directory containing path.
func ForFile(path string) *Resolver {
	return New(filepath.Dir(path))
}

// Resolve expands a leading ~ and anchors a relative path at the base
// directory. Empty paths stay empty; absolute paths are returned
// cleaned.
func (r *Resolver) Resolve(path string) string {
	if path == "" {
		return ""
	}
	path = ExpandHome(path)
	if filepath.IsAbs(path) || r == nil || r.base == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(r.base, path)
}

// ResolveDSN resolves the file behind a SQLite DSN. In-memory databases
// and file: URIs are returned unchanged, as is every non-SQLite DSN.
func (r *Resolver) ResolveDSN(driver, dsn string) string {
	switch driver {
	case "sqlite3", "sqlite":
	default:
		return dsn
	}
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	file, query, hasQuery := strings.Cut(dsn, "?")
	file = r.Resolve(file)
	if hasQuery {
		return file + "?" + query
	}
	return file
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
