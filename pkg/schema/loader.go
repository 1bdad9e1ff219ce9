package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrModuleNotFound is returned when a use_module name has no backing
// file in the module directory.
var ErrModuleNotFound = errors.New("module not found")

var moduleNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// DirLoader loads module definitions from a flat directory of
// <name>.yaml files.
type DirLoader struct {
	Dir string
}

// LoadModule reads, parses, and validates the named module. Module
// names are restricted to a safe character set so a caller-supplied
// name can never escape the directory.
func (l *DirLoader) LoadModule(name string) (*ModuleDef, error) {
	if !moduleNameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid module name %q", name)
	}

	path := filepath.Join(l.Dir, name+".yaml")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q (looked for %s)", ErrModuleNotFound, name, path)
		}
		return nil, fmt.Errorf("open module %q: %w", name, err)
	}
	defer f.Close()

	m, err := LoadModuleReader(f)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", name, err)
	}
	if m.Name == "" {
		m.Name = name
	}

	if errs := ValidateModule(m); len(errs) > 0 {
		return nil, fmt.Errorf("module %q: %w", name, errs[0])
	}
	return m, nil
}
