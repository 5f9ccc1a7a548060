package token

import (
	"time"
)

// Issuer issues device tokens for one hub with a fixed validity window.
type Issuer struct {
	hubHost  string
	validity time.Duration
	now      func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// WithValidity overrides DefaultValidity.
func WithValidity(d time.Duration) IssuerOption {
	return func(i *Issuer) {
		if d > 0 {
			i.validity = d
		}
	}
}

// NewIssuer creates an Issuer for devices registered on hubHost.
func NewIssuer(hubHost string, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		hubHost:  hubHost,
		validity: DefaultValidity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}

	return i
}

// IssueDevice signs a token for deviceID with its symmetric key.
func (i *Issuer) IssueDevice(deviceID, key string) (AccessToken, error) {
	return Issue(DeviceResourceURI(i.hubHost, deviceID), key, i.now(), i.validity)
}
