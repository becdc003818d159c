// Package fsregistry implements the Filesystem Registry (C2): named
// filesystems, each holding a driver handle and a per-filesystem
// concurrency cap, immutable once the registry is built.
package fsregistry

import (
	"fmt"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/wtsi-hgi/shepherd/internal/capability"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// Filesystem is one named entry in the registry.
type Filesystem struct {
	Name           string
	DriverKey      string
	Options        map[string]any
	Driver         capability.FilesystemDriver
	MaxConcurrency int
}

// Registry is the immutable-after-load set of filesystems known to a job.
// Lookup is by name; names are unique within a registry (§4.2).
type Registry struct {
	byName map[string]*Filesystem
	logger logger.Logger
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]*Filesystem),
		logger: logger.NewLogger().Child("fsregistry"),
	}
}

// Add registers a filesystem by name, constructing its driver via factory.
// maxConcurrency <= 0 means "unspecified"; the driver's own default is used
// instead (§4.2). Re-registering an existing name is a ConfigurationError.
func (r *Registry) Add(name, driverKey string, options map[string]any, factory capability.DriverFactory, maxConcurrency int) (*Filesystem, error) {
	if _, exists := r.byName[name]; exists {
		return nil, shepherdapi.New(shepherdapi.KindConfiguration, "filesystem %q already registered", name)
	}

	driver, err := factory(options)
	if err != nil {
		return nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "constructing driver %q for filesystem %q", driverKey, name)
	}

	if maxConcurrency <= 0 {
		maxConcurrency = driver.MaxConcurrencyDefault()
	}
	if maxConcurrency <= 0 {
		return nil, shepherdapi.New(shepherdapi.KindConfiguration, "filesystem %q has no positive max_concurrency", name)
	}

	fs := &Filesystem{
		Name:           name,
		DriverKey:      driverKey,
		Options:        options,
		Driver:         driver,
		MaxConcurrency: maxConcurrency,
	}
	r.byName[name] = fs
	r.logger.Infow("registered filesystem", "name", name, "driver", driverKey, "maxConcurrency", maxConcurrency)
	return fs, nil
}

// Lookup returns the named filesystem, or false if unknown.
func (r *Registry) Lookup(name string) (*Filesystem, bool) {
	fs, ok := r.byName[name]
	return fs, ok
}

// MustLookup is a convenience for callers that have already validated name
// exists (e.g. having come from the graph itself).
func (r *Registry) MustLookup(name string) *Filesystem {
	fs, ok := r.byName[name]
	if !ok {
		panic(fmt.Sprintf("fsregistry: filesystem %q not registered", name))
	}
	return fs
}

// Names returns every registered filesystem name.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}
