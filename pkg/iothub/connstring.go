package iothub

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedConnectionString is wrapped by every connection string parse failure.
var ErrMalformedConnectionString = errors.New("malformed connection string")

// ErrDeviceNotFound is returned when the hub has no identity with the requested id.
var ErrDeviceNotFound = errors.New("device not found in hub registry")

// ConnectionString holds the fields of an IoT Hub device or service connection string.
type ConnectionString struct {
	HostName            string
	DeviceID            string
	ModuleID            string
	SharedAccessKey     string
	SharedAccessKeyName string
	GatewayHostName     string
}

// ParseConnectionString parses `Key=Value;Key=Value` connection strings. Device strings
// need HostName, DeviceId and SharedAccessKey; service strings need HostName,
// SharedAccessKeyName and SharedAccessKey.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		if part == "" {
			continue
		}
		// Keys are base64 and may end in '=', so split on the first one only.
		key, value, ok := strings.Cut(part, "=")
		if !ok || value == "" {
			return ConnectionString{}, fmt.Errorf("%w: segment %q has no value", ErrMalformedConnectionString, key)
		}
		switch key {
		case "HostName":
			cs.HostName = value
		case "DeviceId":
			cs.DeviceID = value
		case "ModuleId":
			cs.ModuleID = value
		case "SharedAccessKey":
			cs.SharedAccessKey = value
		case "SharedAccessKeyName":
			cs.SharedAccessKeyName = value
		case "GatewayHostName":
			cs.GatewayHostName = value
		}
	}

	if cs.HostName == "" {
		return ConnectionString{}, fmt.Errorf("%w: HostName is required", ErrMalformedConnectionString)
	}
	if cs.SharedAccessKey == "" {
		return ConnectionString{}, fmt.Errorf("%w: SharedAccessKey is required", ErrMalformedConnectionString)
	}
	if cs.DeviceID == "" && cs.SharedAccessKeyName == "" {
		return ConnectionString{}, fmt.Errorf("%w: DeviceId or SharedAccessKeyName is required", ErrMalformedConnectionString)
	}
	return cs, nil
}

// IsDevice reports whether the string identifies a device (or module) rather than a
// service policy.
func (c ConnectionString) IsDevice() bool { return c.DeviceID != "" }

// Identity is "device" or "device/module".
func (c ConnectionString) Identity() string {
	if c.ModuleID != "" {
		return c.DeviceID + "/" + c.ModuleID
	}
	return c.DeviceID
}

// BrokerHost is the host device traffic goes to.
func (c ConnectionString) BrokerHost() string {
	if c.GatewayHostName != "" {
		return c.GatewayHostName
	}
	return c.HostName
}

// ResourceURI is the resource a SAS token for this identity is scoped to.
func (c ConnectionString) ResourceURI() string {
	if !c.IsDevice() {
		return c.HostName
	}
	uri := c.HostName + "/devices/" + c.DeviceID
	if c.ModuleID != "" {
		uri += "/modules/" + c.ModuleID
	}
	return uri
}

func (c ConnectionString) String() string {
	parts := []string{"HostName=" + c.HostName}
	if c.DeviceID != "" {
		parts = append(parts, "DeviceId="+c.DeviceID)
	}
	if c.ModuleID != "" {
		parts = append(parts, "ModuleId="+c.ModuleID)
	}
	if c.SharedAccessKeyName != "" {
		parts = append(parts, "SharedAccessKeyName="+c.SharedAccessKeyName)
	}
	parts = append(parts, "SharedAccessKey="+c.SharedAccessKey)
	if c.GatewayHostName != "" {
		parts = append(parts, "GatewayHostName="+c.GatewayHostName)
	}
	return strings.Join(parts, ";")
}

// DeviceConnectionString builds the connection string of a device of the hub.
func DeviceConnectionString(hostName, deviceID, key string) string {
	return ConnectionString{HostName: hostName, DeviceID: deviceID, SharedAccessKey: key}.String()
}
