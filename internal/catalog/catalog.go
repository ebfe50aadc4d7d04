package catalog

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/mitchellh/hashstructure"

	"github.com/coreinit/upstart/internal/upstarterr"
)

// ChangeKind classifies one entry of a Reload's reported diff.
type ChangeKind int

const (
	Added ChangeKind = iota
	Changed
	Removed
)

// Change is one class addition, modification, or removal discovered by a
// reload pass.
type Change struct {
	Name string
	Kind ChangeKind
}

// Catalog indexes loaded job classes by name in an immutable radix tree,
// the structure the teacher's job-driver catalog borrows for concurrent,
// lock-free reads against an occasionally-replaced snapshot (spec.md §4.2).
type Catalog struct {
	log hclog.Logger

	mu   sync.Mutex // serializes writers only; readers use the atomic snapshot
	tree atomic.Value // *iradix.Tree, keys are class names, values are *Class

	dirs []string // search path, later entries override earlier ones on name collision
}

// New returns an empty Catalog that will search dirs in priority order.
func New(log hclog.Logger, dirs ...string) *Catalog {
	c := &Catalog{log: log.Named("catalog"), dirs: dirs}
	c.tree.Store(iradix.New())
	return c
}

func (c *Catalog) snapshot() *iradix.Tree {
	return c.tree.Load().(*iradix.Tree)
}

// Lookup returns the class registered under name, if any.
func (c *Catalog) Lookup(name string) (*Class, bool) {
	v, ok := c.snapshot().Get([]byte(name))
	if !ok {
		return nil, false
	}
	return v.(*Class), true
}

// All returns every non-deleted class in the catalog, name order.
func (c *Catalog) All() []*Class {
	var out []*Class
	c.snapshot().Root().Walk(func(_ []byte, v interface{}) bool {
		cl := v.(*Class)
		if !cl.Deleted {
			out = append(out, cl)
		}
		return false
	})
	return out
}

// LoadAll walks the configured directories and (re)builds the catalog from
// scratch. Only the top level of each directory is read: subdirectories
// are skipped, and a class is named after its file's base name without
// ".conf". Files are applied in directory-priority order; a same-named
// file in a later directory replaces the earlier definition entirely
// rather than merging with it. A file name starting with "@" gets no
// special treatment: "@name.conf" loads as a class named "@name", not as
// an override of "name". Per-file parse errors are logged and skipped;
// LoadAll only fails on a directory that cannot be walked at all.
func (c *Catalog) LoadAll() ([]*upstarterr.Error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	classes := map[string]*Class{}
	var parseErrs []*upstarterr.Error

	for i := 0; i < len(c.dirs); i++ {
		dir := c.dirs[i]
		entries, err := ioutil.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return parseErrs, err
		}
		for _, fi := range entries {
			if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".conf") {
				continue
			}
			name := strings.TrimSuffix(fi.Name(), ".conf")
			path := filepath.Join(dir, fi.Name())
			body, err := ioutil.ReadFile(path)
			if err != nil {
				parseErrs = append(parseErrs, upstarterr.New(upstarterr.ConfigSyntax, name, err))
				continue
			}
			cl, err := Parse(name, string(body))
			if err != nil {
				if ue, ok := err.(*upstarterr.Error); ok {
					parseErrs = append(parseErrs, ue)
				}
				c.log.Warn("skipping malformed job definition", "file", path, "error", err)
				continue
			}
			cl.SourcePath = path
			if h, err := hashstructure.Hash(cl, nil); err == nil {
				cl.Hash = h
			}
			classes[name] = cl // a later directory in the search path overrides an earlier one
		}
	}

	tree := iradix.New()
	for name, cl := range classes {
		tree, _, _ = tree.Insert([]byte(name), cl)
	}
	c.tree.Store(tree)
	return parseErrs, nil
}

// Reload re-walks the configured directories and atomically swaps in the
// new class set, returning the set of additions/changes/removals. A class
// whose backing file disappeared is retained with Deleted=true rather than
// dropped outright, so running instances can be looked up until they exit
// (spec.md §4.2 reload invariant); lookups for starting a NEW instance of a
// deleted class must consult Deleted themselves.
func (c *Catalog) Reload() ([]Change, []*upstarterr.Error, error) {
	before := map[string]*Class{}
	c.snapshot().Root().Walk(func(k []byte, v interface{}) bool {
		before[string(k)] = v.(*Class)
		return false
	})

	parseErrs, err := c.LoadAll()
	if err != nil {
		return nil, parseErrs, err
	}

	after := map[string]*Class{}
	c.snapshot().Root().Walk(func(k []byte, v interface{}) bool {
		after[string(k)] = v.(*Class)
		return false
	})

	var changes []Change
	tree := c.snapshot()
	for name, prev := range before {
		next, stillPresent := after[name]
		if !stillPresent {
			// File vanished: keep prev marked Deleted instead of purging it.
			deleted := *prev
			deleted.Deleted = true
			tree, _, _ = tree.Insert([]byte(name), &deleted)
			changes = append(changes, Change{Name: name, Kind: Removed})
			continue
		}
		if next.Hash != prev.Hash {
			changes = append(changes, Change{Name: name, Kind: Changed})
		}
	}
	for name := range after {
		if _, existed := before[name]; !existed {
			changes = append(changes, Change{Name: name, Kind: Added})
		}
	}
	c.tree.Store(tree)
	return changes, parseErrs, nil
}
