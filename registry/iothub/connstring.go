package iothub

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConnectionString is returned by ParseConnectionString.
var ErrInvalidConnectionString = errors.New("iothub: invalid connection string")

// ConnectionString is a parsed service connection string
// "HostName=...;SharedAccessKeyName=...;SharedAccessKey=...".
type ConnectionString struct {
	HostName string
	KeyName  string
	Key      string
}

// ParseConnectionString parses a service connection string.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	for part := range strings.SplitSeq(strings.TrimSpace(s), ";") {
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionString{}, fmt.Errorf("%w: segment %q has no value", ErrInvalidConnectionString, name)
		}
		switch name {
		case "HostName":
			cs.HostName = value
		case "SharedAccessKeyName":
			cs.KeyName = value
		case "SharedAccessKey":
			cs.Key = value
		}
	}

	switch {
	case cs.HostName == "":
		return ConnectionString{}, fmt.Errorf("%w: missing HostName", ErrInvalidConnectionString)
	case cs.KeyName == "":
		return ConnectionString{}, fmt.Errorf("%w: missing SharedAccessKeyName", ErrInvalidConnectionString)
	case cs.Key == "":
		return ConnectionString{}, fmt.Errorf("%w: missing SharedAccessKey", ErrInvalidConnectionString)
	}

	return cs, nil
}

// String renders the connection string with the key redacted.
func (cs ConnectionString) String() string {
	return "HostName=" + cs.HostName + ";SharedAccessKeyName=" + cs.KeyName + ";SharedAccessKey=***"
}
