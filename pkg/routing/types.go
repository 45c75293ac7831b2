package routing

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/morezero/service-gateway/pkg/commsutil"
)

const typesLogPrefix = "routing:types"

var (
	// ErrUnknownType is returned for wire names or Go types not registered.
	ErrUnknownType = errors.New("unknown request type")
	// ErrDuplicateType is returned when a wire name is reused for another Go type.
	ErrDuplicateType = errors.New("duplicate request type")
)

// Types maps request wire names to Go types and back. Pointer and value
// forms of a registered type share its name.
type Types struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewTypes creates an empty registry.
func NewTypes() *Types {
	return &Types{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register adds T under name. Registering the same pair twice is a no-op.
func Register[T any](types *Types, name string) error {
	return types.add(name, reflect.TypeFor[T]())
}

func (t *Types) add(name string, rt reflect.Type) error {
	if name == "" {
		return fmt.Errorf("%s - type name is required", typesLogPrefix)
	}
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byName[name]; ok {
		if existing == rt {
			return nil
		}
		return fmt.Errorf("%s - %w: %q is %s, not %s", typesLogPrefix, ErrDuplicateType, name, existing, rt)
	}
	if other, ok := t.byType[rt]; ok {
		return fmt.Errorf("%s - %w: %s is already registered as %q", typesLogPrefix, ErrDuplicateType, rt, other)
	}
	t.byName[name] = rt
	t.byType[rt] = name
	return nil
}

// Lookup returns the Go type registered under name.
func (t *Types) Lookup(name string) (reflect.Type, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rt, ok := t.byName[name]
	return rt, ok
}

// NameOf returns the wire name of request's type.
func (t *Types) NameOf(request any) (string, error) {
	if request == nil {
		return "", fmt.Errorf("%s - %w: nil request", typesLogPrefix, ErrUnknownType)
	}
	rt := reflect.TypeOf(request)
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	t.mu.RLock()
	name, ok := t.byType[rt]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s - %w: %s", typesLogPrefix, ErrUnknownType, rt)
	}
	return name, nil
}

// Decode builds a value of the type registered under name from its JSON
// payload. The result is a value, not a pointer; an empty payload yields the
// zero value.
func (t *Types) Decode(name string, payload []byte) (any, error) {
	rt, ok := t.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%s - %w: %q", typesLogPrefix, ErrUnknownType, name)
	}
	ptr := reflect.New(rt)
	if !commsutil.IsEmptyPayload(payload) {
		if err := commsutil.DecodePayload(payload, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("%s - failed to decode %q: %w", typesLogPrefix, name, err)
		}
	}
	return ptr.Elem().Interface(), nil
}

// Names returns the registered wire names, sorted.
func (t *Types) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.byName))
	for name := range t.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
