// Package registry provisions device identities in the backend device
// registry.
//
// Registry is the raw collaborator (create, get, delete, twin read and
// update). Gateway layers the lifecycle semantics on top of it:
// create-if-absent, idempotent deprovisioning and last-writer-wins twin
// metadata.
package registry

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyExists is returned by Registry.Create for a registered id.
	ErrAlreadyExists = errors.New("registry: device already exists")
	// ErrNotFound is returned when the id is not registered.
	ErrNotFound = errors.New("registry: device not found")
	// ErrPreconditionFailed is returned when a twin update carries a stale etag.
	ErrPreconditionFailed = errors.New("registry: twin etag mismatch")
)

// AnyETag makes a twin update unconditional.
const AnyETag = "*"

// Twin is the registry-side document attached to a device.
type Twin struct {
	DeviceID string
	ETag     string
	Version  int64
	Tags     map[string]any
	Desired  map[string]any
}

// Patch is merged onto a twin. Nested maps merge recursively; a nil value
// removes the key.
type Patch struct {
	Tags    map[string]any
	Desired map[string]any
}

// Registry is the device registry collaborator.
type Registry interface {
	// Create registers id and returns its primary symmetric key.
	// Returns ErrAlreadyExists if id is registered.
	Create(ctx context.Context, id string) (string, error)
	// Get returns the primary symmetric key of id.
	Get(ctx context.Context, id string) (string, error)
	// Delete unregisters id. Returns ErrNotFound if id is not registered.
	Delete(ctx context.Context, id string) error
	GetTwin(ctx context.Context, id string) (Twin, error)
	// UpdateTwin merges patch onto the twin when etag matches, or always for AnyETag.
	UpdateTwin(ctx context.Context, id string, patch Patch, etag string) error
}
