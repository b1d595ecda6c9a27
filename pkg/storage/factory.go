package storage

import (
	"context"

	"crucible/pkg/errkind"
)

// Builder constructs a concrete ContentAddressedStorage for one backend
// kind. Each backend package (memorybackend, filebackend, badgerbackend)
// registers itself here via RegisterBuilder, keeping this package free
// of a direct dependency on any individual backend's third-party client.
type Builder func(ctx context.Context, cfg Config) (ContentAddressedStorage, error)

var builders = map[BackendKind]Builder{}

// RegisterBuilder installs the Builder for kind. Backend packages call
// this from an init() func; last registration for a kind wins, which in
// practice only matters for tests substituting a fake.
func RegisterBuilder(kind BackendKind, build Builder) {
	builders[kind] = build
}

// Factory validates a Config and constructs the corresponding backend.
// Validation failures never partially construct a backend: Build calls
// Config.Validate before invoking the registered Builder.
type Factory struct{}

// NewFactory returns a Factory. It carries no state; it exists so the
// construction path reads the same way across callers
// (storage.NewFactory().Build(ctx, cfg)) regardless of backend kind.
func NewFactory() *Factory {
	return &Factory{}
}

// Build validates cfg and constructs the backend it names.
func (f *Factory) Build(ctx context.Context, cfg Config) (ContentAddressedStorage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Kind == BackendCustom {
		return cfg.Custom.Handle, nil
	}
	build, ok := builders[cfg.Kind]
	if !ok {
		return nil, errkind.New(errkind.Configuration, "no builder registered for backend kind "+string(cfg.Kind))
	}
	return build(ctx, cfg)
}
