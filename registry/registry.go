// Package registry tracks the modules known to the platform and their
// last-observed liveness. It is used out of band by dashboards and load
// balancers and has no data dependency on the event bus.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the last-observed liveness of a module.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultHealthEndpoint is the probe path used when registration does
// not specify one.
const DefaultHealthEndpoint = "/health"

// DefaultProbeTimeout bounds a single health probe.
const DefaultProbeTimeout = 5 * time.Second

// DefaultEnvPrefix is the environment-discovery prefix: variables named
// <PREFIX>_<NAME>_URL register one module each.
const DefaultEnvPrefix = "MODULE"

// ModuleInfo describes a remote module known to the registry. Entries
// are created by Register and mutated only by health probes; they are
// never deleted during the process's lifetime.
type ModuleInfo struct {
	Name           string     `json:"name" yaml:"name"`
	BaseURL        string     `json:"base_url" yaml:"baseURL"`
	HealthEndpoint string     `json:"health_endpoint" yaml:"healthEndpoint"`
	Status         Status     `json:"status" yaml:"-"`
	LastCheck      *time.Time `json:"last_check,omitempty" yaml:"-"`
	Version        string     `json:"version,omitempty" yaml:"-"`
}

// Registry maintains the module table. Safe for concurrent use: a
// periodic checker and request handlers may read and write at the same
// time.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*ModuleInfo
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithProbeTimeout sets the per-probe timeout. Defaults to 5 s.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithHTTPClient sets the client used for probes. The registry applies
// its own timeout per probe via the request context.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) { r.client = client }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		modules: make(map[string]*ModuleInfo),
		timeout: DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register inserts or overwrites a module entry with status unknown.
// Idempotent; re-registering resets the status to unknown until the
// next probe. An empty healthEndpoint means DefaultHealthEndpoint, and
// the base URL is normalized to carry no trailing slash.
func (r *Registry) Register(name, baseURL, healthEndpoint string) {
	if healthEndpoint == "" {
		healthEndpoint = DefaultHealthEndpoint
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = &ModuleInfo{
		Name:           name,
		BaseURL:        strings.TrimRight(baseURL, "/"),
		HealthEndpoint: healthEndpoint,
		Status:         StatusUnknown,
	}
	r.logger.Debug("Module registered", "module", name, "base_url", baseURL)
}

// RegisterFromEnv scans the process environment for variables of the
// form <PREFIX>_<NAME>_URL and registers one module per match, deriving
// the module name from the middle segment, lower-cased. An empty prefix
// means DefaultEnvPrefix. It returns the names it registered.
func (r *Registry) RegisterFromEnv(prefix string) []string {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	var names []string
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		name, ok := strings.CutPrefix(key, prefix+"_")
		if !ok {
			continue
		}
		name, ok = strings.CutSuffix(name, "_URL")
		if !ok || name == "" {
			continue
		}
		name = strings.ToLower(name)
		r.Register(name, value, "")
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// healthResponse is the optional JSON body of a module's health
// endpoint. Only the version field is surfaced.
type healthResponse struct {
	Version string `json:"version"`
}

// CheckHealth probes one module and records the result. A 2xx response
// marks the module healthy and opportunistically picks up a version
// field from a JSON body (parse failures are ignored). Any other
// outcome, including timeout, marks it unhealthy. The probe is bounded
// by the configured timeout. An unregistered name returns unknown
// without side effects.
func (r *Registry) CheckHealth(ctx context.Context, name string) Status {
	r.mu.RLock()
	mod, ok := r.modules[name]
	if !ok {
		r.mu.RUnlock()
		return StatusUnknown
	}
	url := mod.BaseURL + mod.HealthEndpoint
	r.mu.RUnlock()

	status, version := r.probe(ctx, url)

	now := time.Now()
	r.mu.Lock()
	// Re-fetch: the entry may have been re-registered while probing.
	if mod, ok = r.modules[name]; ok {
		previous := mod.Status
		mod.Status = status
		mod.LastCheck = &now
		if version != "" {
			mod.Version = version
		}
		if previous != status {
			r.logger.Info("Module status changed",
				"module", name, "from", string(previous), "to", string(status))
		}
	}
	r.mu.Unlock()
	return status
}

// probe performs the bounded HTTP GET and classifies the outcome.
func (r *Registry) probe(ctx context.Context, url string) (Status, string) {
	probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return StatusUnhealthy, ""
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return StatusUnhealthy, ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StatusUnhealthy, ""
	}

	// Best-effort version extraction; a non-JSON body is fine.
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		return StatusHealthy, body.Version
	}
	return StatusHealthy, ""
}

// CheckAll probes every registered module sequentially, one probe's
// completion gating the next, and returns the resulting status per
// module. Sequential probing is a deliberate simplicity trade-off; see
// CheckAllParallel for the bounded-concurrency variant.
func (r *Registry) CheckAll(ctx context.Context) map[string]Status {
	results := make(map[string]Status)
	for _, name := range r.names() {
		results[name] = r.CheckHealth(ctx, name)
	}
	return results
}

// CheckAllParallel probes every registered module with at most limit
// concurrent probes (limit <= 0 means 4). The result semantics match
// CheckAll — one status per module, every probe attempted — but probe
// completion order is unspecified. This is an explicit behavioral
// alternative to the sequential default, not a replacement for it.
func (r *Registry) CheckAllParallel(ctx context.Context, limit int) map[string]Status {
	if limit <= 0 {
		limit = 4
	}
	names := r.names()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]Status, len(names))
		sem     = make(chan struct{}, limit)
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			status := r.CheckHealth(ctx, name)
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// IsAvailable reports whether the module is registered and its cached
// status is healthy. It never triggers a probe; callers needing fresh
// results must run CheckHealth or CheckAll on their own cadence.
func (r *Registry) IsAvailable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[name]
	return ok && mod.Status == StatusHealthy
}

// GetURL returns the module's normalized base URL.
func (r *Registry) GetURL(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[name]
	if !ok {
		return "", false
	}
	return mod.BaseURL, true
}

// GetModule returns a copy of the module's descriptor.
func (r *Registry) GetModule(name string) (ModuleInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[name]
	if !ok {
		return ModuleInfo{}, false
	}
	return copyInfo(mod), true
}

// ListModules returns copies of all descriptors, sorted by name.
func (r *Registry) ListModules() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModuleInfo, 0, len(r.modules))
	for _, mod := range r.modules {
		out = append(out, copyInfo(mod))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copyInfo(mod *ModuleInfo) ModuleInfo {
	out := *mod
	if mod.LastCheck != nil {
		t := *mod.LastCheck
		out.LastCheck = &t
	}
	return out
}

// String implements fmt.Stringer for log-friendly output.
func (m ModuleInfo) String() string {
	return fmt.Sprintf("%s (%s) %s", m.Name, m.BaseURL, m.Status)
}
