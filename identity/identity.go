// Package identity defines simulated device identities, leases on them and the
// deterministic naming scheme used when bulk-provisioning a device pool.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// idPairs is the number of two-digit hex groups in a rendered device id.
const idPairs = 12

// ErrInvalidID is returned when a string does not follow the 12-pair naming scheme.
var ErrInvalidID = errors.New("identity: invalid device id")

// Device is a device identity known to the backend registry.
//
// Key is the base64 symmetric key issued by the registry. It is empty until the
// identity has been provisioned and never changes for the registered lifetime
// of the device.
type Device struct {
	ID  string
	Key string
}

// String returns the device id. The key is never printed.
func (d Device) String() string {
	return d.ID
}

// Lease is temporary exclusive ownership of one device id by one session.
type Lease struct {
	Device     Device
	AcquiredAt time.Time

	// AckFailed is set when the backing queue did not confirm removal of the
	// id. The lease is still handed out, but the id may be redelivered.
	AckFailed bool
}

// Held returns how long the lease has been held at the given instant.
func (l Lease) Held(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

// RenderID renders n as 24 lowercase hex digits split into 12 dash-separated pairs.
//
//	RenderID(1) == "00-00-00-00-00-00-00-00-00-00-00-01"
func RenderID(n uint64) string {
	hex := fmt.Sprintf("%024x", n)

	var b strings.Builder
	b.Grow(idPairs*3 - 1)
	for i := 0; i < len(hex); i += 2 {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(hex[i : i+2])
	}

	return b.String()
}

// ParseID is the inverse of RenderID.
func ParseID(id string) (uint64, error) {
	if !isValidID(id) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	hex := strings.ReplaceAll(id, "-", "")
	// 24 hex digits exceed uint64; the leading 8 must be zero for a representable index.
	if strings.TrimLeft(hex[:8], "0") != "" {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidID, id)
	}
	n, err := strconv.ParseUint(hex[8:], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidID, id, err)
	}

	return n, nil
}

// isValidID reports whether id follows the naming scheme. Ids rendered from
// indexes beyond uint64 are well formed but cannot be parsed back.
func isValidID(id string) bool {
	if len(id) != idPairs*3-1 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if i%3 == 2 {
			if c != '-' {
				return false
			}
			continue
		}
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

// Range renders the 1-indexed ids first..last inclusive.
func Range(first, last uint64) []string {
	if last < first {
		return nil
	}

	// last-first+1 wraps to 0 for the full uint64 range.
	ids := make([]string, 0, min(last-first+1, 1<<16))
	for n := first; ; n++ {
		ids = append(ids, RenderID(n))
		if n == last {
			return ids
		}
	}
}
