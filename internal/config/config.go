package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads the YAML file at path, merges every file it includes
// (includes first, so the including file wins on conflicts), fills
// defaults for keys no file set, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := includeWalker{done: map[string]bool{}, visiting: map[string]bool{}}
	if err := w.walk(root); err != nil {
		return nil, err
	}

	merged := viper.New()
	merged.SetConfigType("yaml")
	for _, file := range w.ordered {
		layer := viper.New()
		layer.SetConfigFile(file)
		if err := layer.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
		if err := merged.MergeConfigMap(layer.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging config file %s: %w", file, err)
		}
	}

	var cfg Config
	err = merged.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	})
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	explicit := make(keySet)
	markExplicit(explicit, "", merged.AllSettings())
	cfg.applyDefaults(explicit)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// includeWalker resolves the include graph depth first. Every file lands
// in ordered after the files it includes, which is exactly the order the
// merge loop needs for the including file to override.
type includeWalker struct {
	ordered  []string
	done     map[string]bool
	visiting map[string]bool
}

func (w *includeWalker) walk(path string) error {
	path = filepath.Clean(path)
	if w.visiting[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if w.done[path] {
		return nil
	}
	w.visiting[path] = true
	defer delete(w.visiting, path)

	includes, err := readIncludes(path)
	if err != nil {
		return fmt.Errorf("resolving includes of %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(base, inc)
		}
		if err := w.walk(inc); err != nil {
			return err
		}
	}
	w.done[path] = true
	w.ordered = append(w.ordered, path)
	return nil
}

// readIncludes returns the include list declared at the top of the file,
// if any. Entries are trimmed and blanks dropped.
func readIncludes(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	raw := v.Get("include")
	if raw == nil {
		return nil, nil
	}
	var entries []string
	switch list := raw.(type) {
	case []string:
		entries = list
	case []any:
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings, got %T", item)
			}
			entries = append(entries, s)
		}
	default:
		return nil, fmt.Errorf("include must be a list of file paths")
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out, nil
}

// markExplicit records every leaf key present in the merged settings so
// applyDefaults can tell a key the operator set from one left at its zero
// value. Keys are lowercased dotted paths, matching viper's own casing.
func markExplicit(dest keySet, prefix string, node any) {
	join := func(k string) string {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch val := node.(type) {
	case map[string]any:
		for k, child := range val {
			if key := join(k); key != "" {
				markExplicit(dest, key, child)
			}
		}
	case map[any]any:
		for k, child := range val {
			s, ok := k.(string)
			if !ok {
				continue
			}
			if key := join(s); key != "" {
				markExplicit(dest, key, child)
			}
		}
	case []any:
		if prefix != "" {
			dest.mark(prefix)
		}
		for _, item := range val {
			markExplicit(dest, prefix, item)
		}
	default:
		if prefix != "" {
			dest.mark(prefix)
		}
	}
}
