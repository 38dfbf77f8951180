package instrument

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/signalsfoundry/tas-simulator/internal/logging"
)

// Catalog is a concurrency-safe registry of instrument definitions keyed
// by name. PUMA is always present.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewCatalog returns a catalog holding the built-in definitions.
func NewCatalog() *Catalog {
	c := &Catalog{defs: make(map[string]*Definition)}
	puma := PUMA()
	c.defs[puma.Name] = puma
	return c
}

// Add registers def after validating it.
func (c *Catalog) Add(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.defs[def.Name]; exists {
		return fmt.Errorf("%w: %q", ErrInstrumentExists, def.Name)
	}
	c.defs[def.Name] = def
	return nil
}

// Get returns the named definition.
func (c *Catalog) Get(name string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInstrumentNotFound, name)
	}
	return def, nil
}

// List returns the registered names, sorted.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.defs))
	for name := range c.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadDir registers every definition file in dir. Files that cannot be
// read, parsed or registered are logged and skipped; only a missing or
// unreadable directory is an error.
func (c *Catalog) LoadDir(ctx context.Context, dir string, log logging.Logger) ([]string, error) {
	if log == nil {
		log = logging.Noop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var loaded []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, ok := FormatFromPath(path); !ok {
			continue
		}
		def, err := LoadFile(path)
		if err != nil {
			log.Warn(ctx, "skipping instrument definition", logging.String("path", path), logging.Err(err))
			continue
		}
		if err := c.Add(def); err != nil {
			log.Warn(ctx, "skipping instrument definition", logging.String("path", path), logging.Err(err))
			continue
		}
		loaded = append(loaded, def.Name)
	}
	sort.Strings(loaded)
	return loaded, nil
}
