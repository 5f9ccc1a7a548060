// Package secrets resolves the connection parameters of a run from inline
// configuration or from Azure Key Vault.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound is returned when a secret does not exist in the source.
var ErrNotFound = errors.New("secrets: not found")

// Source fetches secrets by name.
type Source interface {
	Get(ctx context.Context, name string) (string, error)
}

// Static is a Source over fixed values.
type Static map[string]string

// Get implements Source.
func (s Static) Get(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return v, nil
}

// Kind selects where secrets come from.
type Kind string

const (
	KindConfig   Kind = "config"
	KindKeyVault Kind = "keyvault"
)

// Names are the secret names looked up in the vault.
type Names struct {
	IoTHubConnectionString string `yaml:"iothubConnectionString" default:"iothub-connection-string"`
	IoTHubHostName         string `yaml:"iothubHostName" default:"iothub-hostname"`
	IoTHubProxy            string `yaml:"iothubProxy" default:"iothub-proxy"`
	Certificate            string `yaml:"certificate" default:"certificate-name"`
}

// Values are inline secrets used by KindConfig. Certificate is a PEM file path.
type Values struct {
	IoTHubConnectionString string `yaml:"iothubConnectionString" env:"FLEETSIM_IOTHUB_CONNECTION_STRING"`
	IoTHubHostName         string `yaml:"iothubHostName" env:"FLEETSIM_IOTHUB_HOSTNAME"`
	IoTHubProxy            string `yaml:"iothubProxy" env:"FLEETSIM_IOTHUB_PROXY"`
	Certificate            string `yaml:"certificate" env:"FLEETSIM_CERTIFICATE"`
}

// Config selects and configures the secret source.
type Config struct {
	Source                  Kind   `yaml:"source" default:"config" validate:"oneof=config keyvault"`
	VaultName               string `yaml:"vaultName" env:"FLEETSIM_KEYVAULT_NAME"`
	ManagedIdentityClientID string `yaml:"managedIdentityClientId" env:"FLEETSIM_MANAGED_IDENTITY_CLIENT_ID"`
	Names                   Names  `yaml:"names"`
	Values                  Values `yaml:"values"`
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Source == KindKeyVault && c.VaultName == "" {
		return fmt.Errorf("vaultName('%v') - required when source is keyvault", c.VaultName)
	}

	return nil
}

// Credentials are the resolved connection parameters of a run.
type Credentials struct {
	// IoTHubConnectionString is the registry service policy connection string.
	IoTHubConnectionString string
	// HostName is the hub host devices authenticate against.
	HostName string
	// Endpoint is the MQTT host to connect to; HostName when no proxy is set.
	Endpoint string
	// TrustAnchor is a PEM bundle; nil selects the insecure trust mode when allowed.
	TrustAnchor []byte
}

// Resolver turns a Config into Credentials.
type Resolver struct {
	cfg    Config
	source Source
}

// NewResolver creates a Resolver. For KindKeyVault, source is typically a *KeyVault.
func NewResolver(cfg Config, source Source) *Resolver {
	return &Resolver{cfg: cfg, source: source}
}

// Resolve fetches every parameter of the run.
func (r *Resolver) Resolve(ctx context.Context) (Credentials, error) {
	if r.cfg.Source != KindKeyVault {
		return r.resolveInline()
	}
	if r.source == nil {
		return Credentials{}, errors.New("secrets: no key vault source configured")
	}

	var creds Credentials
	fields := []struct {
		name string
		dst  *string
	}{
		{r.cfg.Names.IoTHubConnectionString, &creds.IoTHubConnectionString},
		{r.cfg.Names.IoTHubHostName, &creds.HostName},
		{r.cfg.Names.IoTHubProxy, &creds.Endpoint},
	}
	for _, f := range fields {
		if f.name == "" {
			continue
		}
		v, err := r.source.Get(ctx, f.name)
		if err != nil {
			return Credentials{}, fmt.Errorf("secret %s: %w", f.name, err)
		}
		*f.dst = strings.TrimSpace(v)
	}

	if r.cfg.Names.Certificate != "" {
		blob, err := r.source.Get(ctx, r.cfg.Names.Certificate)
		if err != nil {
			return Credentials{}, fmt.Errorf("secret %s: %w", r.cfg.Names.Certificate, err)
		}
		if creds.TrustAnchor, err = DecodeTrustAnchor(blob); err != nil {
			return Credentials{}, fmt.Errorf("secret %s: %w", r.cfg.Names.Certificate, err)
		}
	}

	return creds.withDefaults(), nil
}

func (r *Resolver) resolveInline() (Credentials, error) {
	v := r.cfg.Values
	creds := Credentials{
		IoTHubConnectionString: v.IoTHubConnectionString,
		HostName:               v.IoTHubHostName,
		Endpoint:               v.IoTHubProxy,
	}
	if v.Certificate != "" {
		pemBytes, err := os.ReadFile(v.Certificate)
		if err != nil {
			return Credentials{}, fmt.Errorf("read certificate: %w", err)
		}
		if _, err := ParseCertificates(pemBytes); err != nil {
			return Credentials{}, fmt.Errorf("certificate %s: %w", v.Certificate, err)
		}
		creds.TrustAnchor = pemBytes
	}

	return creds.withDefaults(), nil
}

func (c Credentials) withDefaults() Credentials {
	if c.Endpoint == "" {
		c.Endpoint = c.HostName
	}

	return c
}
