// Package secrets maps logical secret names to environment variables and
// brokers access to their values through short-lived proxy tokens.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// registryFile is the document name under <project>/.aidp/security.
const registryFile = "secrets_registry.json"

// validEnvVar matches POSIX environment variable names.
var validEnvVar = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Entry is one registered secret. The value itself is never stored.
type Entry struct {
	ID           string    `json:"id"`
	Name         string    `json:"-"`
	EnvVar       string    `json:"env_var"`
	Description  string    `json:"description,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// AllowsScope reports whether scope may be used with this secret.
// An entry without scopes, or an empty scope, is unrestricted.
func (e Entry) AllowsScope(scope string) bool {
	if scope == "" || len(e.Scopes) == 0 {
		return true
	}
	for _, s := range e.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Listing is an Entry annotated with whether its env var currently holds a value.
type Listing struct {
	Entry
	Name     string `json:"name"`
	HasValue bool   `json:"has_value"`
}

// RegisterOptions carries the optional fields of Register.
type RegisterOptions struct {
	Description string
	Scopes      []string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for persistence events.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry is the durable name → env var mapping for one project.
type Registry struct {
	path    string
	mu      sync.Mutex
	entries map[string]Entry
	logger  *zap.Logger
}

// RegistryPath returns the registry document location for a project.
func RegistryPath(projectDir string) string {
	return filepath.Join(projectDir, ".aidp", "security", registryFile)
}

// NewRegistry opens the registry stored under projectDir.
func NewRegistry(projectDir string, opts ...RegistryOption) (*Registry, error) {
	return OpenRegistry(RegistryPath(projectDir), opts...)
}

// OpenRegistry opens the registry document at path, creating its directory
// and loading existing entries if the document exists.
func OpenRegistry(path string, opts ...RegistryOption) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("secrets: create registry directory: %w", err)
	}

	r := &Registry{
		path:    path,
		entries: make(map[string]Entry),
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}

	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the registry document location.
func (r *Registry) Path() string {
	return r.path
}

// Register stores name → envVar and persists it. Re-registering a name
// overwrites its fields but keeps its id.
func (r *Registry) Register(name, envVar string, opts RegisterOptions) (Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Entry{}, fmt.Errorf("secrets: name must not be empty")
	}
	if !validEnvVar.MatchString(envVar) {
		return Entry{}, fmt.Errorf("secrets: invalid environment variable name %q", envVar)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	if prev, ok := r.entries[name]; ok {
		id = prev.ID
	}
	e := Entry{
		ID:           id,
		Name:         name,
		EnvVar:       envVar,
		Description:  opts.Description,
		Scopes:       append([]string(nil), opts.Scopes...),
		RegisteredAt: time.Now().UTC(),
	}
	r.entries[name] = e

	if err := r.save(); err != nil {
		return Entry{}, err
	}
	r.logger.Info("secret registered", zap.String("secret_name", name), zap.String("env_var", envVar))
	return e, nil
}

// Unregister removes name and persists. removed is false if name was absent.
func (r *Registry) Unregister(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return false, nil
	}
	delete(r.entries, name)
	if err := r.save(); err != nil {
		return true, err
	}
	r.logger.Info("secret unregistered", zap.String("secret_name", name))
	return true, nil
}

// Registered reports whether name has an entry.
func (r *Registry) Registered(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	e.Scopes = append([]string(nil), e.Scopes...)
	return e, true
}

// List returns all entries sorted by name, each with a liveness check of its
// env var. The value itself is not returned.
func (r *Registry) List() []Listing {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Listing, 0, len(r.entries))
	for name, e := range r.entries {
		v, _ := os.LookupEnv(e.EnvVar)
		out = append(out, Listing{Entry: e, Name: name, HasValue: v != ""})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnvVarsToStrip returns every registered env var name, sorted and deduplicated.
func (r *Registry) EnvVarsToStrip() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(r.entries))
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		if !seen[e.EnvVar] {
			seen[e.EnvVar] = true
			out = append(out, e.EnvVar)
		}
	}
	sort.Strings(out)
	return out
}

// EnvVarRegistered reports whether any entry maps to envVar.
func (r *Registry) EnvVarRegistered(envVar string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.EnvVar == envVar {
			return true
		}
	}
	return false
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("secrets: read registry: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var doc map[string]Entry
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("secrets: parse registry %s: %w", r.path, err)
	}
	for name, e := range doc {
		e.Name = name
		r.entries[name] = e
	}
	r.logger.Debug("registry loaded", zap.String("path", r.path), zap.Int("entries", len(doc)))
	return nil
}

// save rewrites the whole document through a temp file and rename so a
// concurrent reader never sees a partial write.
func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("secrets: encode registry: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(r.path), registryFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("secrets: create temp registry: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("secrets: write registry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("secrets: write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("secrets: replace registry: %w", err)
	}
	return nil
}
