package capability

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"conclave/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Agents map[string]*Profile `yaml:"agents"`
}

// Snapshot is one immutable generation of the profile set.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Profiles map[string]*Profile
}

// ChangeListener runs after every successful reload.
type ChangeListener func(Snapshot)

// Registry loads agent profiles from a YAML file, validates them against a
// schema, and hot-reloads on file change. A reload that fails validation is
// logged and discarded; the previous snapshot stays live.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	inactive  map[string]bool
	listeners []ChangeListener
}

// NewRegistry reads the profiles file and starts watching it.
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("capability registry requires a profiles path")
	}
	r := &Registry{path: path, inactive: make(map[string]bool)}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if err := r.watch(); err != nil {
		return nil, err
	}
	return r, nil
}

// watch re-runs reload on every file change. Viper's watcher survives the
// rename-and-replace dance editors and configmap mounts do.
func (r *Registry) watch() error {
	v := viper.New()
	v.SetConfigFile(r.path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watching profiles file: %w", err)
	}
	v.OnConfigChange(func(fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("Profile reload rejected, keeping previous set: %v", err)
			return
		}
		r.broadcast()
	})
	v.WatchConfig()
	r.v = v
	return nil
}

// Snapshot returns the current profile generation.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.clone()
}

// Profile returns the profile for one agent id.
func (r *Registry) Profile(agentID string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Profiles[strings.TrimSpace(agentID)]
	if !ok {
		return nil, false
	}
	cp := *p
	cp.Active = !r.inactive[cp.AgentID]
	return &cp, true
}

// ByRole lists profiles holding the given role, sorted by agent id.
func (r *Registry) ByRole(role string) []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Profile
	for _, p := range r.snapshot.Profiles {
		if strings.EqualFold(p.Role, role) {
			cp := *p
			cp.Active = !r.inactive[cp.AgentID]
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// SetActive flips an agent's live status. Profiles themselves stay
// read-only; this is the one runtime-mutable bit.
func (r *Registry) SetActive(agentID string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := strings.TrimSpace(agentID)
	if _, ok := r.snapshot.Profiles[id]; !ok {
		return false
	}
	if active {
		delete(r.inactive, id)
	} else {
		r.inactive[id] = true
	}
	return true
}

// OnChange registers a listener for future reloads. The initial load does
// not fire it.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) reload() error {
	cfg, err := readProfilesFile(r.path)
	if err != nil {
		return err
	}
	profiles := make(map[string]*Profile, len(cfg.Agents))
	for id, p := range cfg.Agents {
		if p == nil {
			p = &Profile{}
		}
		if err := p.normalize(id); err != nil {
			return err
		}
		profiles[p.AgentID] = p
	}

	r.mu.Lock()
	next := Snapshot{Version: r.snapshot.Version + 1, LoadedAt: time.Now(), Profiles: profiles}
	r.snapshot = next
	r.mu.Unlock()

	logger.Infof("Capability registry loaded %d profiles from %s (v%d)",
		len(profiles), filepath.Base(r.path), next.Version)
	return nil
}

// broadcast hands listeners a detached copy of the fresh snapshot, off
// the registry's goroutine so a slow listener cannot stall the watcher.
func (r *Registry) broadcast() {
	r.mu.RLock()
	listeners := append([]ChangeListener(nil), r.listeners...)
	snap := r.snapshot.clone()
	r.mu.RUnlock()

	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("profile change listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

// clone deep-copies the profile map so callers can hold the result across
// reloads.
func (s Snapshot) clone() Snapshot {
	out := s
	out.Profiles = make(map[string]*Profile, len(s.Profiles))
	for id, p := range s.Profiles {
		cp := *p
		out.Profiles[id] = &cp
	}
	return out
}

func readProfilesFile(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read capability config failed: %w", err)
	}
	if err := validateProfilesDoc(raw); err != nil {
		return fileConfig{}, err
	}
	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse capability config failed: %w", err)
	}
	return cfg, nil
}

// validateProfilesDoc checks the raw document against the profiles schema
// before any struct decoding, so a malformed edit is rejected with a precise
// error instead of half-applying.
func validateProfilesDoc(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse capability config failed: %w", err)
	}
	if err := profilesSchema.Validate(toJSONValue(doc)); err != nil {
		return fmt.Errorf("capability config rejected by schema: %w", err)
	}
	return nil
}

// toJSONValue rewrites yaml.v3 output into the map[string]any shape the
// schema validator expects.
func toJSONValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = toJSONValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = toJSONValue(child)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}

var profilesSchema = mustCompileSchema(profilesSchemaJSON)

func mustCompileSchema(src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("profiles.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("profiles.json")
	if err != nil {
		panic(err)
	}
	return schema
}
