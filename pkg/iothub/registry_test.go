package iothub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hubString = "HostName=hub.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=" + testKey

func newRegistryServer(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "2021-04-12", r.URL.Query().Get("api-version"))
		assert.Equal(t, "1000", r.URL.Query().Get("top"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "SharedAccessSignature sr=hub.azure-devices.net"))
		_, _ = w.Write([]byte(`[
			{"deviceId":"dev-1","status":"enabled","connectionState":"Connected",
			 "authentication":{"type":"sas","symmetricKey":{"primaryKey":"cHJpbWFyeQ==","secondaryKey":"c2Vjb25kYXJ5"}}},
			{"deviceId":"dev-x509","status":"enabled","authentication":{"type":"selfSigned"}}
		]`))
	})
	mux.HandleFunc("/devices/dev-1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"deviceId":"dev-1","authentication":{"symmetricKey":{"primaryKey":"cHJpbWFyeQ=="}}}`))
	})
	mux.HandleFunc("/devices/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &calls
}

func newTestRegistry(t *testing.T, baseURL string) *RegistryClient {
	t.Helper()
	cfg := DefaultRegistryConfig()
	cfg.ConnectionString = hubString
	cfg.BaseURL = baseURL
	client, err := NewRegistryClient(cfg, zerolog.Nop())
	require.NoError(t, err)
	return client
}

func TestRegistryClient_ListDevices(t *testing.T) {
	t.Run("lists devices and builds connection strings", func(t *testing.T) {
		server, _ := newRegistryServer(t, 0)
		client := newTestRegistry(t, server.URL)

		devices, err := client.ListDevices(context.Background())
		require.NoError(t, err)
		require.Len(t, devices, 2)
		assert.Equal(t, "dev-1", devices[0].DeviceID)
		assert.Equal(t, "Connected", devices[0].ConnectionState)

		cs, err := client.DeviceConnectionString(devices[0])
		require.NoError(t, err)
		assert.Equal(t, "HostName=hub.azure-devices.net;DeviceId=dev-1;SharedAccessKey=cHJpbWFyeQ==", cs)

		_, err = client.DeviceConnectionString(devices[1])
		assert.Error(t, err)
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		server, calls := newRegistryServer(t, 2)
		client := newTestRegistry(t, server.URL)

		devices, err := client.ListDevices(context.Background())
		require.NoError(t, err)
		assert.Len(t, devices, 2)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		server, _ := newRegistryServer(t, 100)
		client := newTestRegistry(t, server.URL)

		_, err := client.ListDevices(context.Background())
		assert.Error(t, err)
	})
}

func TestRegistryClient_GetDevice(t *testing.T) {
	server, _ := newRegistryServer(t, 0)
	client := newTestRegistry(t, server.URL)

	device, err := client.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "cHJpbWFyeQ==", device.Authentication.SymmetricKey.PrimaryKey)

	_, err = client.GetDevice(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestNewRegistryClient_RequiresHubString(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.ConnectionString = "HostName=h;DeviceId=d;SharedAccessKey=" + testKey
	_, err := NewRegistryClient(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, ErrMalformedConnectionString)
}
