package store

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/hanpama/planexec/internal/session"
)

// Env is what a factory gets to build its executor.
type Env struct {
	Logger   *slog.Logger
	Sessions *session.Manager
	// Settings is the store's configuration section, decoded with
	// DecodeSettings.
	Settings map[string]any
}

// Factory builds a store executor.
type Factory func(Env) (Executor, error)

var (
	factoriesMu sync.Mutex
	factories   = map[string]Factory{}

	discoverOnce sync.Once
	discovered   []string
)

// Register makes a store executor factory available under storeType. It is
// meant to be called from init and panics on duplicates.
func Register(storeType string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("store: Register factory is nil")
	}
	if _, dup := factories[storeType]; dup {
		panic("store: Register called twice for " + storeType)
	}
	factories[storeType] = f
}

// Discovered returns the registered store types. The list is computed once
// and kept until ResetDiscovery.
func Discovered() []string {
	discoverOnce.Do(func() {
		factoriesMu.Lock()
		defer factoriesMu.Unlock()
		discovered = make([]string, 0, len(factories))
		for t := range factories {
			discovered = append(discovered, t)
		}
		sort.Strings(discovered)
	})
	return append([]string(nil), discovered...)
}

// ResetDiscovery drops the cached discovery result so that the next
// Discovered call sees factories registered since.
func ResetDiscovery() {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	discoverOnce = sync.Once{}
	discovered = nil
}

// Unregister removes a factory. Tests use it to undo Register.
func Unregister(storeType string) {
	factoriesMu.Lock()
	delete(factories, storeType)
	factoriesMu.Unlock()
	ResetDiscovery()
}

// BuildDiscovered builds an executor for every discovered store type. envFor
// supplies each store's environment.
func BuildDiscovered(envFor func(storeType string) Env) ([]Executor, error) {
	var out []Executor
	for _, t := range Discovered() {
		factoriesMu.Lock()
		f := factories[t]
		factoriesMu.Unlock()
		if f == nil {
			continue
		}
		e, err := f(envFor(t))
		if err != nil {
			return nil, fmt.Errorf("build %s store executor: %w", t, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// DecodeSettings decodes a configuration section into out. Durations may be
// given as strings like "10m".
func DecodeSettings(settings map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(settings); err != nil {
		return fmt.Errorf("decode %s settings: %w", reflect.TypeOf(out).Elem().Name(), err)
	}
	return nil
}
