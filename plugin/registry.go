package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"
)

// Factory builds a Plugin from a manifest file's raw JSON body. Concrete
// plugin packages register a Factory under a type name at init time, the
// same driver-registration shape database/sql uses for its drivers.
type Factory func(raw json.RawMessage) (Plugin, error)

var (
	mu        sync.Mutex
	factories = make(map[string]Factory)
)

// Register makes a plugin Factory available under name. Panics on
// duplicate registration of the same name, matching database/sql's
// Register - a programming error, not a runtime condition.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[name]; dup {
		panic("plugin: Register called twice for type " + name)
	}
	factories[name] = f
}

// manifest is the on-disk shape of a plugin's enablement file: a JSON
// object naming the registered plugin type, with the remainder passed
// through to that type's Factory.
type manifest struct {
	Type string `json:"type"`
}

// Discover scans dir for *.json manifests, each naming a registered
// plugin type, and returns the enabled plugins in stable lexical-by-Key
// order. When two plugins claim an overlapping Files() entry, the one
// earlier in that order wins and the later one is skipped, with a loud
// log line - this is the only form of plugin conflict resolution this
// module performs; it never merges or reloads a plugin's configuration.
func Discover(dir string) ([]Plugin, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("plugin: reading %s: %w", dir, err)
	}

	var plugins []Plugin
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("plugin: reading %s: %w", path, err)
		}
		var m manifest
		if err := jsoniter.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("plugin: parsing %s: %w", path, err)
		}

		mu.Lock()
		factory, ok := factories[m.Type]
		mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("plugin: %s names unregistered type %q", path, m.Type)
		}

		p, err := factory(raw)
		if err != nil {
			return nil, fmt.Errorf("plugin: constructing %s (%s): %w", path, m.Type, err)
		}
		plugins = append(plugins, p)
	}

	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Key() < plugins[j].Key() })

	claimed := make(map[string]string, len(plugins)) // file path -> owning plugin key
	enabled := plugins[:0]
	for _, p := range plugins {
		conflict := false
		for f := range p.Files() {
			if owner, ok := claimed[f]; ok {
				glog.Warningf("plugin %q skipped: file %q already claimed by plugin %q", p.Key(), f, owner)
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for f := range p.Files() {
			claimed[f] = p.Key()
		}
		enabled = append(enabled, p)
	}
	return enabled, nil
}
