package registry

import (
	"time"
)

// Metadata is the static desired state applied to every provisioned device.
type Metadata struct {
	Enabled    *bool  `yaml:"enabled" default:"true"`
	DeviceType string `yaml:"deviceType" default:"mydevicetype"`
	Env        string `yaml:"env"`
	Ring       string `yaml:"ring"`
	EventHub   struct {
		Name      string `yaml:"name" default:"myeventhub"`
		Namespace string `yaml:"namespace" default:"myeventhubnamespace"`
		Policy    string `yaml:"policy" default:"device"`
	} `yaml:"eventHub"`
}

// IsEnabled reports whether the metadata is applied. Defaults to true.
func (m Metadata) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Patch renders m as a twin patch stamped with now.
func (m Metadata) Patch(now time.Time) Patch {
	return Patch{
		Tags: map[string]any{"deviceType": m.DeviceType},
		Desired: map[string]any{
			"env":  m.Env,
			"ring": m.Ring,
			"eventhub": map[string]any{
				"name":      m.EventHub.Name,
				"namespace": m.EventHub.Namespace,
				"policy":    m.EventHub.Policy,
			},
			"lastConfigurationChanged": now.UTC().Format(time.RFC3339Nano),
		},
	}
}
