package coreconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const sampleConfig = `{
  "log": {"level": "info"},
  "inbounds": [
    {"type": "socks", "tag": "socks-in", "listen": "127.0.0.1", "listen_port": 1080},
    {
      "type": "tun",
      "tag": "tun-in",
      "interface_name": "utun225",
      "address": ["172.19.0.1/30"],
      "platform": {
        "http_proxy": {
          "enabled": true,
          "server": "127.0.0.1",
          "server_port": 8080,
          "bypass_domain": ["localhost", "*.local"]
        }
      }
    }
  ],
  "outbounds": [{"type": "direct", "tag": "direct-out"}]
}`

func TestValidInterfaceName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"utun225", true},
		{"utun_backup-1", true},
		{"en0", true},
		{"", false},
		{"utun0; rm -rf /", false},
		{"utun$(whoami)", false},
		{"utun 3", false},
		{"名前", false},
	}
	for _, tt := range tests {
		if got := ValidInterfaceName(tt.name); got != tt.want {
			t.Errorf("ValidInterfaceName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTunInterfaces(t *testing.T) {
	names := TunInterfaces([]byte(sampleConfig))
	assert.Equal(t, []string{"utun225"}, names)
}

func TestTunInterfaces_DropsInvalidNames(t *testing.T) {
	cfg := `{"inbounds":[
	  {"type":"tun","interface_name":"utun7"},
	  {"type":"tun","interface_name":"bad name; echo"},
	  {"type":"tun"}
	]}`
	names := TunInterfaces([]byte(cfg))
	assert.Equal(t, []string{"utun7"}, names)
}

func TestProxyHintFrom(t *testing.T) {
	hint, ok := ProxyHintFrom([]byte(sampleConfig))
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", hint.Host)
	assert.Equal(t, 8080, hint.Port)
	assert.Equal(t, []string{"localhost", "*.local"}, hint.Bypass)
}

func TestProxyHintFrom_DefaultsHostToLoopback(t *testing.T) {
	cfg := `{"inbounds":[{"type":"tun","interface_name":"utun9",
	  "platform":{"http_proxy":{"enabled":true,"server_port":9090}}}]}`
	hint, ok := ProxyHintFrom([]byte(cfg))
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", hint.Host)
	assert.Equal(t, 9090, hint.Port)
	assert.Nil(t, hint.Bypass)
}

func TestProxyHintFrom_RequiresEnabledAndPort(t *testing.T) {
	tests := []struct {
		name string
		cfg  string
	}{
		{
			"disabled hint",
			`{"inbounds":[{"type":"tun","platform":{"http_proxy":{"enabled":false,"server_port":8080}}}]}`,
		},
		{
			"missing port",
			`{"inbounds":[{"type":"tun","platform":{"http_proxy":{"enabled":true,"server":"127.0.0.1"}}}]}`,
		},
		{
			"no tun inbound",
			`{"inbounds":[{"type":"socks","platform":{"http_proxy":{"enabled":true,"server_port":8080}}}]}`,
		},
		{
			"no inbounds",
			`{"outbounds":[]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ProxyHintFrom([]byte(tt.cfg))
			assert.False(t, ok)
		})
	}
}

func TestReplaceInterfaceName(t *testing.T) {
	out, err := ReplaceInterfaceName([]byte(sampleConfig), "utun225", "utun201")
	require.NoError(t, err)

	assert.Equal(t, "utun201", gjson.GetBytes(out, "inbounds.1.interface_name").String())
	// Unrelated content is preserved.
	assert.Equal(t, "info", gjson.GetBytes(out, "log.level").String())
	assert.Equal(t, "socks-in", gjson.GetBytes(out, "inbounds.0.tag").String())
	assert.Equal(t, int64(8080), gjson.GetBytes(out, "inbounds.1.platform.http_proxy.server_port").Int())
}

func TestReplaceInterfaceName_RejectsInvalidSubstitute(t *testing.T) {
	_, err := ReplaceInterfaceName([]byte(sampleConfig), "utun225", "utun; true")
	assert.Error(t, err)
}

func TestReplaceInterfaceName_NoMatchLeavesConfigUntouched(t *testing.T) {
	out, err := ReplaceInterfaceName([]byte(sampleConfig), "utun99", "utun201")
	require.NoError(t, err)
	assert.Equal(t, "utun225", gjson.GetBytes(out, "inbounds.1.interface_name").String())
}

func TestSidecarPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/etc/core/config.json", "/etc/core/config.sidecar.json"},
		{"/etc/core/profile", "/etc/core/profile.sidecar"},
		{"rel/conf.json", "rel/conf.sidecar.json"},
	}
	for _, tt := range tests {
		if got := SidecarPath(tt.in); got != tt.want {
			t.Errorf("SidecarPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteSidecar(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(orig, []byte(sampleConfig), 0o644))

	patched, err := ReplaceInterfaceName([]byte(sampleConfig), "utun225", "utun200")
	require.NoError(t, err)

	path, err := WriteSidecar(orig, patched)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.sidecar.json"), path)

	// Original untouched, sidecar patched.
	origData, err := os.ReadFile(orig)
	require.NoError(t, err)
	assert.Equal(t, "utun225", gjson.GetBytes(origData, "inbounds.1.interface_name").String())

	sidecarData, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "utun200", gjson.GetBytes(sidecarData, "inbounds.1.interface_name").String())
}
