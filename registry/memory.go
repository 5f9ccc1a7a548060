package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"sync"
)

type memDevice struct {
	key  string
	twin Twin
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mutex   sync.Mutex
	devices map[string]*memDevice
	creates int
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{devices: make(map[string]*memDevice)}
}

func newKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)

	return base64.StdEncoding.EncodeToString(b)
}

// Create implements Registry.
func (r *MemoryRegistry) Create(_ context.Context, id string) (string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.devices[id]; ok {
		return "", ErrAlreadyExists
	}
	r.creates++
	d := &memDevice{
		key: newKey(),
		twin: Twin{
			DeviceID: id,
			ETag:     "1",
			Version:  1,
			Tags:     map[string]any{},
			Desired:  map[string]any{},
		},
	}
	r.devices[id] = d

	return d.key, nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(_ context.Context, id string) (string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return "", ErrNotFound
	}

	return d.key, nil
}

// Delete implements Registry.
func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.devices[id]; !ok {
		return ErrNotFound
	}
	delete(r.devices, id)

	return nil
}

// GetTwin implements Registry.
func (r *MemoryRegistry) GetTwin(_ context.Context, id string) (Twin, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return Twin{}, ErrNotFound
	}
	twin := d.twin
	twin.Tags = cloneMap(d.twin.Tags)
	twin.Desired = cloneMap(d.twin.Desired)

	return twin, nil
}

// UpdateTwin implements Registry.
func (r *MemoryRegistry) UpdateTwin(_ context.Context, id string, patch Patch, etag string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return ErrNotFound
	}
	if etag != AnyETag && etag != d.twin.ETag {
		return ErrPreconditionFailed
	}
	mergeInto(d.twin.Tags, patch.Tags)
	mergeInto(d.twin.Desired, patch.Desired)
	d.twin.Version++
	d.twin.ETag = strconv.FormatInt(d.twin.Version, 10)

	return nil
}

// Has reports whether id is registered.
func (r *MemoryRegistry) Has(id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	_, ok := r.devices[id]

	return ok
}

// Len returns the number of registered devices.
func (r *MemoryRegistry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.devices)
}

// Creates returns how many devices Create has registered.
func (r *MemoryRegistry) Creates() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.creates
}

// mergeInto applies a JSON merge patch: maps merge, nil deletes, anything else replaces.
func mergeInto(dst, patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			cur, ok := dst[k].(map[string]any)
			if !ok {
				cur = make(map[string]any, len(sub))
				dst[k] = cur
			}
			mergeInto(cur, sub)

			continue
		}
		dst[k] = cloneValue(v)
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}

		return out
	default:
		return v
	}
}
