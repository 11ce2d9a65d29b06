package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "c2VjcmV0LWtleS1mb3ItdGVzdHM=" // base64("secret-key-for-tests")

func TestParseConnectionString(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		expected  ConnectionString
		expectErr bool
	}{
		{
			name:     "device string",
			input:    "HostName=hub.azure-devices.net;DeviceId=dev-1;SharedAccessKey=" + testKey,
			expected: ConnectionString{HostName: "hub.azure-devices.net", DeviceID: "dev-1", SharedAccessKey: testKey},
		},
		{
			name:  "module string through a gateway",
			input: "HostName=hub.azure-devices.net;DeviceId=edge;ModuleId=sensor;SharedAccessKey=" + testKey + ";GatewayHostName=gw.local",
			expected: ConnectionString{
				HostName: "hub.azure-devices.net", DeviceID: "edge", ModuleID: "sensor",
				SharedAccessKey: testKey, GatewayHostName: "gw.local",
			},
		},
		{
			name:     "service string",
			input:    "HostName=hub.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=" + testKey,
			expected: ConnectionString{HostName: "hub.azure-devices.net", SharedAccessKeyName: "iothubowner", SharedAccessKey: testKey},
		},
		{
			name:     "trailing separator is tolerated",
			input:    "HostName=h;DeviceId=d;SharedAccessKey=k==;",
			expected: ConnectionString{HostName: "h", DeviceID: "d", SharedAccessKey: "k=="},
		},
		{name: "missing host", input: "DeviceId=d;SharedAccessKey=k", expectErr: true},
		{name: "missing key", input: "HostName=h;DeviceId=d", expectErr: true},
		{name: "missing identity", input: "HostName=h;SharedAccessKey=k", expectErr: true},
		{name: "segment without value", input: "HostName=h;DeviceId;SharedAccessKey=k", expectErr: true},
		{name: "empty", input: "", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cs, err := ParseConnectionString(tc.input)
			if tc.expectErr {
				assert.ErrorIs(t, err, ErrMalformedConnectionString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, cs)
		})
	}
}

func TestConnectionString_Accessors(t *testing.T) {
	module := ConnectionString{HostName: "hub", DeviceID: "edge", ModuleID: "sensor", SharedAccessKey: "k", GatewayHostName: "gw"}
	assert.True(t, module.IsDevice())
	assert.Equal(t, "edge/sensor", module.Identity())
	assert.Equal(t, "gw", module.BrokerHost())
	assert.Equal(t, "hub/devices/edge/modules/sensor", module.ResourceURI())

	service := ConnectionString{HostName: "hub", SharedAccessKeyName: "owner", SharedAccessKey: "k"}
	assert.False(t, service.IsDevice())
	assert.Equal(t, "hub", service.BrokerHost())
	assert.Equal(t, "hub", service.ResourceURI())

	s := DeviceConnectionString("hub", "dev-1", testKey)
	parsed, err := ParseConnectionString(s)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", parsed.DeviceID)
	assert.Equal(t, s, parsed.String())
}

func TestGenerateSASToken(t *testing.T) {
	expiry := time.Unix(1700000000, 0)
	token, err := GenerateSASToken("Hub.azure-devices.net/devices/Dev-1", testKey, "", expiry)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(token, "SharedAccessSignature "))
	values, err := url.ParseQuery(strings.TrimPrefix(token, "SharedAccessSignature "))
	require.NoError(t, err)

	assert.Equal(t, "hub.azure-devices.net/devices/dev-1", values.Get("sr"))
	assert.Equal(t, "1700000000", values.Get("se"))
	assert.Empty(t, values.Get("skn"))

	key, _ := base64.StdEncoding.DecodeString(testKey)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(url.QueryEscape("hub.azure-devices.net/devices/dev-1") + "\n1700000000"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), values.Get("sig"))

	t.Run("policy name is appended", func(t *testing.T) {
		token, err := GenerateSASToken("hub", testKey, "iothubowner", expiry)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(token, "&skn=iothubowner"))
	})

	t.Run("key must be base64", func(t *testing.T) {
		_, err := GenerateSASToken("hub", "not base64!", "", expiry)
		assert.Error(t, err)
	})
}
