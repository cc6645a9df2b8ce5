package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"huniebot/internal/plugin/wasm"
)

// ManifestFile is the file name Scan looks for in each module directory.
const ManifestFile = "plugin.yaml"

// Discovered is a module directory with a readable manifest and binary.
type Discovered struct {
	Manifest wasm.Manifest
	Dir      string
}

// Scan looks for <dir>/*/plugin.yaml. Directories with a malformed manifest
// or a missing binary are skipped and reported in the second result. A
// missing dir is not an error.
func Scan(dir string) ([]Discovered, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read plugin dir %s: %w", dir, err)}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var (
		found   []Discovered
		skipped []error
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		modDir := filepath.Join(dir, e.Name())
		path := filepath.Join(modDir, ManifestFile)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		man, err := wasm.ReadManifest(path)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		if _, err := os.Stat(filepath.Join(modDir, man.Binary)); err != nil {
			skipped = append(skipped, fmt.Errorf("module %s: binary: %w", man.Name, err))
			continue
		}
		found = append(found, Discovered{Manifest: man, Dir: modDir})
	}
	return found, skipped
}
