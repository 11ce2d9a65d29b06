package cli_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-iot-simulator/pkg/cli"
)

const dryRunConfig = `
transport: dryrun
log_level: error
registry:
  source: static
  devices:
    - id: sensor-1
      connection_string: "HostName=hub.azure-devices.net;DeviceId=sensor-1;SharedAccessKey=a2V5"
      status: enabled
    - id: sensor-2
      connection_string: "HostName=hub.azure-devices.net;DeviceId=sensor-2;SharedAccessKey=a2V5"
      status: disabled
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "simulator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(dryRunConfig), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := cli.NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestSend_DryRun(t *testing.T) {
	cfg := writeConfig(t)

	t.Run("device ids from the registry", func(t *testing.T) {
		out, err := execute(t, "--config", cfg, "send", "--device-id", "sensor-1", "--device-id", "sensor-2",
			"-m", `{"device":"{{ .DeviceID }}","n":{{ .Iteration }}}`, "--template", "-n", "3")
		require.NoError(t, err)
		assert.Equal(t, "6 succeeded, 0 failed out of 6\n", out)
	})

	t.Run("connection strings with an interval", func(t *testing.T) {
		out, err := execute(t, "-c", cfg, "send", "-d", "a", "-d", "b", "-m", "hello", "-n", "2", "-i", "10", "-u", "ms")
		require.NoError(t, err)
		assert.Equal(t, "4 succeeded, 0 failed out of 4\n", out)
	})

	t.Run("message from a file", func(t *testing.T) {
		msg := filepath.Join(t.TempDir(), "message.json")
		require.NoError(t, os.WriteFile(msg, []byte(`{"ok":true}`), 0o600))
		out, err := execute(t, "-c", cfg, "send", "-d", "a", "-f", msg)
		require.NoError(t, err)
		assert.Equal(t, "1 succeeded, 0 failed out of 1\n", out)
	})

	t.Run("stringified literal", func(t *testing.T) {
		out, err := execute(t, "-c", cfg, "--stringify", "send", "-d", "a", "-m", `{"temp":21}`, "-n", "2")
		require.NoError(t, err)
		assert.Equal(t, "2 succeeded, 0 failed out of 2\n", out)
	})
}

func TestSend_Rejections(t *testing.T) {
	cfg := writeConfig(t)
	testCases := []struct {
		name string
		args []string
	}{
		{name: "no devices", args: []string{"send", "-m", "hi"}},
		{name: "unknown device id", args: []string{"send", "--device-id", "ghost", "-m", "hi"}},
		{name: "zero iterations", args: []string{"send", "-d", "a", "-m", "hi", "-n", "0"}},
		{name: "unknown unit", args: []string{"send", "-d", "a", "-m", "hi", "-i", "1", "-u", "week"}},
		{name: "broken template", args: []string{"send", "-d", "a", "-m", "{{ int }", "--template"}},
		{name: "unknown transport", args: []string{"--transport", "pigeon", "send", "-d", "a", "-m", "hi"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"--config", cfg}, tc.args...)...)
			assert.Error(t, err)
			assert.Empty(t, out)
		})
	}
}

func TestGenerate(t *testing.T) {
	out, err := execute(t, "generate", `{"device":"{{ .DeviceID }}","n":{{ int 7 7 }}}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"device":"sample-device","n":7}`, out)

	tmpl := filepath.Join(t.TempDir(), "t.tmpl")
	require.NoError(t, os.WriteFile(tmpl, []byte(`{{ upper "abc" }}`), 0o600))
	out, err = execute(t, "generate", "-f", tmpl)
	require.NoError(t, err)
	assert.Equal(t, "ABC\n", out)

	_, err = execute(t, "generate")
	assert.Error(t, err)
	_, err = execute(t, "generate", "{{ nope }}")
	assert.Error(t, err)
}

func TestDevices(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "devices")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"DEVICE", "STATUS", "STATE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"sensor-1", "enabled"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"sensor-2", "disabled"}, strings.Fields(lines[2]))
	assert.NotContains(t, out, "SharedAccessKey")
}
