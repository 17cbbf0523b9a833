package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nugget/concierge/internal/defaults"
)

func newInitCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize working directory with defaults (default: .)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(opts.stdout, dir)
		},
	}
}

// runInit initializes a Concierge working directory with default files:
// config, price table and an editable copy of the default persona.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Concierge workspace in %s\n", dir)

	for _, sub := range []string{"db", "personas"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		path    string
		content []byte
		perm    fs.FileMode
	}{
		// The config may hold provider keys.
		{filepath.Join(dir, "config.yaml"), defaults.ConfigYAML, 0o600},
		{filepath.Join(dir, "pricing.yaml"), defaults.PricingYAML, 0o644},
		{filepath.Join(dir, "personas", "concierge.md"), defaults.PersonaMD, 0o644},
	}
	for _, f := range files {
		if err := writeIfMissing(f.path, f.content, f.perm); err != nil {
			return err
		}
		fmt.Fprintf(w, "  ✓ %s\n", f.path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and pricing.yaml, then run: concierge serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte, perm fs.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
