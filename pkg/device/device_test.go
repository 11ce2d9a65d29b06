package device_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-iot-simulator/pkg/device"
	"github.com/illmade-knight/go-iot-simulator/pkg/iothub"
)

// --- Mocks ---

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) ListDevices(ctx context.Context) ([]device.Device, error) {
	args := m.Called(ctx)
	devices, _ := args.Get(0).([]device.Device)
	return devices, args.Error(1)
}

func (m *MockRegistry) Fetch(ctx context.Context, id string) (device.Device, error) {
	args := m.Called(ctx, id)
	d, _ := args.Get(0).(device.Device)
	return d, args.Error(1)
}

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, id string) (device.Device, error) {
	args := m.Called(ctx, id)
	d, _ := args.Get(0).(device.Device)
	return d, args.Error(1)
}

func (m *MockCache) Set(ctx context.Context, d device.Device) error {
	return m.Called(ctx, d).Error(0)
}

func (m *MockCache) Close() error {
	return m.Called().Error(0)
}

type MockHubClient struct {
	mock.Mock
}

func (m *MockHubClient) ListDevices(ctx context.Context) ([]iothub.RegistryDevice, error) {
	args := m.Called(ctx)
	devices, _ := args.Get(0).([]iothub.RegistryDevice)
	return devices, args.Error(1)
}

func (m *MockHubClient) GetDevice(ctx context.Context, id string) (iothub.RegistryDevice, error) {
	args := m.Called(ctx, id)
	d, _ := args.Get(0).(iothub.RegistryDevice)
	return d, args.Error(1)
}

func (m *MockHubClient) DeviceConnectionString(d iothub.RegistryDevice) (string, error) {
	args := m.Called(d)
	return args.String(0), args.Error(1)
}

var (
	dev1 = device.Device{ID: "dev-1", ConnectionString: "HostName=h;DeviceId=dev-1;SharedAccessKey=a2V5"}
	dev2 = device.Device{ID: "dev-2", ConnectionString: "HostName=h;DeviceId=dev-2;SharedAccessKey=a2V5"}
)

// --- Tests ---

func TestStaticRegistry(t *testing.T) {
	ctx := context.Background()
	reg, err := device.NewStaticRegistry([]device.Device{dev1, dev2})
	require.NoError(t, err)

	devices, err := reg.ListDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []device.Device{dev1, dev2}, devices)

	d, err := reg.Fetch(ctx, "dev-2")
	require.NoError(t, err)
	assert.Equal(t, dev2, d)

	_, err = reg.Fetch(ctx, "dev-3")
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)

	_, err = device.NewStaticRegistry([]device.Device{dev1, dev1})
	assert.Error(t, err)
	_, err = device.NewStaticRegistry([]device.Device{{ConnectionString: "x"}})
	assert.Error(t, err)
}

func TestResolveTargets(t *testing.T) {
	ctx := context.Background()
	reg, err := device.NewStaticRegistry([]device.Device{dev1, dev2})
	require.NoError(t, err)

	targets, err := device.ResolveTargets(ctx, reg, []string{"dev-2", "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{dev2.ConnectionString, dev1.ConnectionString}, targets)

	_, err = device.ResolveTargets(ctx, reg, []string{"dev-1", "ghost"})
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
}

func TestHubRegistry(t *testing.T) {
	ctx := context.Background()
	symmetric := iothub.RegistryDevice{DeviceID: "dev-1", Status: "enabled", ConnectionState: "Connected"}
	x509 := iothub.RegistryDevice{DeviceID: "dev-x509"}

	hub := new(MockHubClient)
	hub.On("ListDevices", ctx).Return([]iothub.RegistryDevice{symmetric, x509}, nil)
	hub.On("DeviceConnectionString", symmetric).Return("cs-1", nil)
	hub.On("DeviceConnectionString", x509).Return("", errors.New("not symmetric"))
	hub.On("GetDevice", ctx, "dev-1").Return(symmetric, nil)
	hub.On("GetDevice", ctx, "ghost").Return(iothub.RegistryDevice{}, iothub.ErrDeviceNotFound)

	reg := device.NewHubRegistry(hub, zerolog.Nop())

	devices, err := reg.ListDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []device.Device{{ID: "dev-1", ConnectionString: "cs-1", Status: "enabled", ConnectionState: "Connected"}}, devices)

	d, err := reg.Fetch(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "cs-1", d.ConnectionString)

	_, err = reg.Fetch(ctx, "ghost")
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
	hub.AssertExpectations(t)
}

func TestInMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := device.NewInMemoryCache(50*time.Millisecond, zerolog.Nop())

	_, err := cache.Get(ctx, "dev-1")
	assert.True(t, device.IsCacheMiss(err))

	require.NoError(t, cache.Set(ctx, dev1))
	d, err := cache.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, dev1, d)

	assert.Eventually(t, func() bool {
		_, err := cache.Get(ctx, "dev-1")
		return device.IsCacheMiss(err)
	}, time.Second, 10*time.Millisecond, "entry should expire after the TTL")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, cache.Set(cancelled, dev2), context.Canceled)
	require.NoError(t, cache.Close())
}

func TestCachedFetcher(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	t.Run("Cache hit", func(t *testing.T) {
		cache, source := new(MockCache), new(MockRegistry)
		cache.On("Get", ctx, "dev-1").Return(dev1, nil).Once()

		f, err := device.NewCachedFetcher(cache, source, logger)
		require.NoError(t, err)
		d, err := f.Fetch(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, dev1, d)
		source.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
	})

	t.Run("Cache miss writes back", func(t *testing.T) {
		cache, source := new(MockCache), new(MockRegistry)
		cache.On("Get", ctx, "dev-1").Return(device.Device{}, device.ErrCacheMiss{ID: "dev-1"}).Once()
		source.On("Fetch", ctx, "dev-1").Return(dev1, nil).Once()
		cache.On("Set", mock.Anything, dev1).Return(nil).Once()

		f, err := device.NewCachedFetcher(cache, source, logger)
		require.NoError(t, err)
		d, err := f.Fetch(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, dev1, d)
		cache.AssertExpectations(t)
		source.AssertExpectations(t)
	})

	t.Run("Source failure is not cached", func(t *testing.T) {
		cache, source := new(MockCache), new(MockRegistry)
		cache.On("Get", ctx, "ghost").Return(device.Device{}, device.ErrCacheMiss{ID: "ghost"}).Once()
		source.On("Fetch", ctx, "ghost").Return(device.Device{}, device.ErrDeviceNotFound).Once()

		f, err := device.NewCachedFetcher(cache, source, logger)
		require.NoError(t, err)
		_, err = f.Fetch(ctx, "ghost")
		assert.ErrorIs(t, err, device.ErrDeviceNotFound)
		cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything)
	})

	t.Run("Cache error falls back to source", func(t *testing.T) {
		cache, source := new(MockCache), new(MockRegistry)
		cache.On("Get", ctx, "dev-1").Return(device.Device{}, errors.New("connection refused")).Once()
		source.On("Fetch", ctx, "dev-1").Return(dev1, nil).Once()
		cache.On("Set", mock.Anything, dev1).Return(errors.New("connection refused")).Once()

		f, err := device.NewCachedFetcher(cache, source, logger)
		require.NoError(t, err)
		d, err := f.Fetch(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, dev1, d)
	})

	t.Run("ListDevices warms the cache", func(t *testing.T) {
		cache, source := new(MockCache), new(MockRegistry)
		source.On("ListDevices", ctx).Return([]device.Device{dev1, dev2}, nil).Once()
		cache.On("Set", mock.Anything, dev1).Return(nil).Once()
		cache.On("Set", mock.Anything, dev2).Return(nil).Once()
		cache.On("Close").Return(nil).Once()

		f, err := device.NewCachedFetcher(cache, source, logger)
		require.NoError(t, err)
		devices, err := f.ListDevices(ctx)
		require.NoError(t, err)
		assert.Len(t, devices, 2)
		require.NoError(t, f.Close())
		cache.AssertExpectations(t)
	})

	t.Run("Nil dependencies", func(t *testing.T) {
		_, err := device.NewCachedFetcher(nil, new(MockRegistry), logger)
		assert.Error(t, err)
		_, err = device.NewCachedFetcher(new(MockCache), nil, logger)
		assert.Error(t, err)
	})
}

func TestIsCacheMiss(t *testing.T) {
	assert.True(t, device.IsCacheMiss(device.ErrCacheMiss{ID: "x"}))
	assert.True(t, device.IsCacheMiss(errors.Join(errors.New("ctx"), device.ErrCacheMiss{ID: "x"})))
	assert.False(t, device.IsCacheMiss(errors.New("other")))
}
