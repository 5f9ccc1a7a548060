package transport

import (
	"net/url"
)

// DefaultPort is the MQTT over TLS port.
const DefaultPort = 8883

// Username is the MQTT principal of a device on a hub.
func Username(hubHost, deviceID, apiVersion string) string {
	return hubHost + "/" + deviceID + "/?api-version=" + apiVersion
}

// TelemetryTopic is the device-to-cloud topic of deviceID. Non-empty
// properties are appended URL-encoded in key order.
func TelemetryTopic(deviceID string, properties map[string]string) string {
	topic := "devices/" + deviceID + "/messages/events"
	if len(properties) == 0 {
		return topic
	}
	values := make(url.Values, len(properties))
	for k, v := range properties {
		values.Set(k, v)
	}

	return topic + "/" + values.Encode()
}
