package hcl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/specialistvlad/controlroom/internal/config"
	"github.com/specialistvlad/controlroom/internal/ctxlog"
	"github.com/specialistvlad/controlroom/internal/fsutil"
)

// ErrNoConfig is returned when none of the paths holds an .hcl file.
var ErrNoConfig = errors.New("no .hcl configuration files found")

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

// NewLoader creates a new HCL configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

var _ config.Loader = (*Loader)(nil)

// Load parses every .hcl file found under paths and merges them into one
// validated model. Module blocks accumulate in file order; top-level
// settings and singleton blocks may be set by one file only.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %v", ErrNoConfig, paths)
	}
	logger.Debug("Discovered HCL files.", "files", files)

	m := &merger{model: &config.Model{LogLevel: config.DefaultLogLevel}}
	parser := hclparse.NewParser()
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		if err := m.merge(file, &root); err != nil {
			return nil, fmt.Errorf("failed to translate HCL file %s: %w", file, err)
		}
	}

	if err := m.model.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("HCL loading complete.", "modules", len(m.model.Modules), "modules_root", m.model.ModulesRoot)
	return m.model, nil
}

// findAllHCLFiles returns the .hcl files under all paths, without
// duplicates. Missing paths are an error.
func findAllHCLFiles(paths []string) ([]string, error) {
	var all []string
	seen := make(map[string]struct{})
	for _, path := range paths {
		files, err := fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config path %s does not exist: %w", path, err)
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		for _, f := range files {
			abs, err := filepath.Abs(f)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[abs]; dup {
				continue
			}
			seen[abs] = struct{}{}
			all = append(all, f)
		}
	}
	return all, nil
}
