package config

import (
	"context"
	"testing"

	"github.com/dushixiang/sentinel/internal/classifier"
	"github.com/dushixiang/sentinel/internal/event"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/etc/sentinel/sentinel.yaml"

	cfg, err := Load(fs, path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, ":5000", cfg.Server.Addr)
	assert.False(t, cfg.Monitors.IntrusionDetection.SimulateOnFailure)

	exists, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.True(t, exists)

	again, err := Load(fs, path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Scan.Speeds, again.Scan.Speeds)
	assert.Equal(t, cfg.Monitors, again.Monitors)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	yml := `
server:
  addr: "127.0.0.1:9000"
network:
  interface: eth1
scan:
  speeds:
    fast:
      ports: "22,80"
      timeout_ms: 50
classifier:
  alert:
    - name: beacon
      pattern: beacon
      level: high
      category: c2
`
	require.NoError(t, afero.WriteFile(fs, "/c.yaml", []byte(yml), 0644))

	cfg, err := Load(fs, "/c.yaml")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "22,80", cfg.Scan.Speeds["fast"].Ports)
	assert.Equal(t, "1-1000", cfg.Scan.Speeds["normal"].Ports)
	assert.Len(t, cfg.Classifier["alert"], 1)
	assert.Equal(t, 3000, cfg.Supervisor.GracePeriod)

	iface, err := cfg.ResolveInterface(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "eth1", iface)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"zero grace", func(c *Config) { c.Supervisor.GracePeriod = 0 }},
		{"feed interval", func(c *Config) { c.Monitors.ThreatFeed.MaxInterval = 1 }},
		{"bad ports", func(c *Config) { c.Scan.Speeds["fast"] = SpeedConfig{Ports: "80-20", Timeout: 1} }},
		{"missing speed", func(c *Config) { delete(c.Scan.Speeds, "deep") }},
		{"bad rule", func(c *Config) {
			c.Classifier = map[classifier.Mode][]classifier.Rule{
				classifier.ModeAlert: {{Name: "broken", Pattern: "(", Level: event.LevelHigh}},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParsePorts(t *testing.T) {
	ports, err := ParsePorts("22, 80,20-23")
	require.NoError(t, err)
	assert.Equal(t, []int{22, 80, 20, 21, 23}, ports)

	all, err := ParsePorts("1-65535")
	require.NoError(t, err)
	assert.Len(t, all, 65535)

	for _, bad := range []string{"", "0", "70000", "a-b", "10-1", ","} {
		_, err := ParsePorts(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolveInterface(t *testing.T) {
	list := func(ctx context.Context) (net.InterfaceStatList, error) {
		return net.InterfaceStatList{
			{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: net.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
			{Name: "docker0", Flags: []string{"up"}, Addrs: net.InterfaceAddrList{{Addr: "172.17.0.1/16"}}},
			{Name: "eth0", Flags: []string{"broadcast"}, Addrs: net.InterfaceAddrList{{Addr: "10.0.0.2/24"}}},
			{Name: "ens33", Flags: []string{"up", "broadcast"}, Addrs: net.InterfaceAddrList{{Addr: "192.168.1.5/24"}}},
		}, nil
	}

	cfg := DefaultConfig()
	iface, err := cfg.ResolveInterface(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, "ens33", iface)

	cfg.Network.Include = []string{"^docker0$"}
	iface, err = cfg.ResolveInterface(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, "docker0", iface)

	cfg.Network.Include = []string{"^wlan"}
	_, err = cfg.ResolveInterface(context.Background(), list)
	assert.Error(t, err)
}
