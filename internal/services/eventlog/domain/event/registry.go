package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	platformerrors "github.com/louisbranch/readmodel/internal/platform/errors"
)

// Factory returns a pointer to a zero payload ready for JSON decoding.
type Factory func() any

// Variant names one registered (subject, event name) pair.
type Variant struct {
	Subject string
	Name    string
}

// Registry is the closed set of payload variants a consumer can decode.
type Registry struct {
	mu        sync.RWMutex
	factories map[Variant]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Variant]Factory)}
}

// Register adds a payload variant. Registering the same variant twice fails.
func (r *Registry) Register(subject, name string, factory Factory) error {
	subject = strings.TrimSpace(subject)
	name = strings.TrimSpace(name)
	if subject == "" {
		return fmt.Errorf("event subject is required")
	}
	if name == "" {
		return fmt.Errorf("event name is required")
	}
	if factory == nil {
		return fmt.Errorf("payload factory is required for %s/%s", subject, name)
	}
	if sample := factory(); sample == nil || reflect.TypeOf(sample).Kind() != reflect.Pointer {
		return fmt.Errorf("payload factory for %s/%s must return a pointer", subject, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	variant := Variant{Subject: subject, Name: name}
	if _, exists := r.factories[variant]; exists {
		return fmt.Errorf("event %s/%s is already registered", subject, name)
	}
	r.factories[variant] = factory
	return nil
}

// MustRegister registers a variant and panics on error.
func (r *Registry) MustRegister(subject, name string, factory Factory) {
	if err := r.Register(subject, name, factory); err != nil {
		panic(err)
	}
}

// Variants lists every registered variant in stable order.
func (r *Registry) Variants() []Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	variants := make([]Variant, 0, len(r.factories))
	for variant := range r.factories {
		variants = append(variants, variant)
	}
	sort.Slice(variants, func(i, j int) bool {
		if variants[i].Subject != variants[j].Subject {
			return variants[i].Subject < variants[j].Subject
		}
		return variants[i].Name < variants[j].Name
	})
	return variants
}

// Decode turns a raw payload into the registered variant value. The returned
// value is the dereferenced struct.
func (r *Registry) Decode(subject, name string, raw json.RawMessage) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[Variant{Subject: subject, Name: name}]
	r.mu.RUnlock()
	if !ok {
		return nil, platformerrors.WithMetadata(
			platformerrors.CodeSchemaMismatch,
			fmt.Sprintf("no payload variant registered for %s/%s", subject, name),
			map[string]string{"subject": subject, "name": name},
		)
	}
	target := factory()
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return nil, platformerrors.WrapWithMetadata(
			platformerrors.CodeSchemaMismatch,
			fmt.Sprintf("decode payload %s/%s", subject, name),
			map[string]string{"subject": subject, "name": name},
			err,
		)
	}
	return reflect.ValueOf(target).Elem().Interface(), nil
}

// Coverage reports registered variants for which covered returns false.
// Runtimes call it at startup so a variant without a handler fails fast.
func (r *Registry) Coverage(covered func(Variant) bool) []Variant {
	var missing []Variant
	for _, variant := range r.Variants() {
		if !covered(variant) {
			missing = append(missing, variant)
		}
	}
	return missing
}
