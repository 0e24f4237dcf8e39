package fixture

import (
	"testing"

	"github.com/core-tools/hsu-fixture/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providerConfig() ProcessConfig {
	return ProcessConfig{
		Role:          RoleOTAProvider,
		AppPath:       "app",
		Discriminator: Uint16(3840),
		Passcode:      Uint32(20202021),
		Port:          5541,
		OTASource:     ImageFile("/tmp/img.ota"),
	}
}

func TestBuildCommand_ProviderWithImageFile(t *testing.T) {
	command, err := providerConfig().BuildCommand("/tmp/kvs-app-1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"app",
		"--KVS", "/tmp/kvs-app-1",
		"--discriminator", "3840",
		"--passcode", "20202021",
		"--secured-device-port", "5541",
		"--filepath", "/tmp/img.ota",
	}, command)
}

func TestBuildCommand_ProviderFlagOrderAndExtraArgsLast(t *testing.T) {
	cfg := providerConfig()
	cfg.OTASource = ImageList("/tmp/list.json")
	cfg.ExtraArgs = []string{"--trace", "1"}
	cfg.Provider = ProviderOptions{
		MaxBDXBlockSize:           Int(512),
		PollInterval:              Int(10),
		IgnoreApplyUpdate:         "true",
		IgnoreQueryImage:          "false",
		DelayedQueryActionTimeSec: Int(0),
		DelayedApplyActionTimeSec: Int(5),
		QueryImageStatus:          "updateAvailable",
		UserConsentState:          "granted",
		UserConsentNeeded:         true,
		ApplyUpdateAction:         "proceed",
		ImageURI:                  "bdx://0000000000000001/img",
	}

	command, err := cfg.BuildCommand("/tmp/kvs")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"app",
		"--KVS", "/tmp/kvs",
		"--discriminator", "3840",
		"--passcode", "20202021",
		"--secured-device-port", "5541",
		"--otaImageList", "/tmp/list.json",
		"--imageUri", "bdx://0000000000000001/img",
		"--applyUpdateAction", "proceed",
		"--userConsentNeeded",
		"--userConsentState", "granted",
		"--queryImageStatus", "updateAvailable",
		"--delayedApplyActionTimeSec", "5",
		"--delayedQueryActionTimeSec", "0",
		"--ignoreQueryImage", "false",
		"--ignoreApplyUpdate", "true",
		"--pollInterval", "10",
		"--maxBDXBlockSize", "512",
		"--trace", "1",
	}, command)
}

func TestBuildCommand_RequestorUsesRoleDefaultPort(t *testing.T) {
	cfg := ProcessConfig{
		Role:          RoleOTARequestor,
		AppPath:       "/opt/requestor",
		Discriminator: Uint16(1234),
		Passcode:      Uint32(20202021),
	}

	command, err := cfg.BuildCommand("/tmp/kvs")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/opt/requestor",
		"--KVS", "/tmp/kvs",
		"--discriminator", "1234",
		"--passcode", "20202021",
		"--secured-device-port", "5542",
	}, command)
}

func TestBuildCommand_IsDeterministic(t *testing.T) {
	cfg := providerConfig()
	first, err := cfg.BuildCommand("/tmp/kvs")
	require.NoError(t, err)
	second, err := cfg.BuildCommand("/tmp/kvs")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ProcessConfig)
	}{
		{"missing discriminator", func(c *ProcessConfig) { c.Discriminator = nil }},
		{"missing passcode", func(c *ProcessConfig) { c.Passcode = nil }},
		{"missing app path", func(c *ProcessConfig) { c.AppPath = "" }},
		{"discriminator too wide", func(c *ProcessConfig) { c.Discriminator = Uint16(0x1000) }},
		{"zero passcode", func(c *ProcessConfig) { c.Passcode = Uint32(0) }},
		{"port out of range", func(c *ProcessConfig) { c.Port = 70000 }},
		{"provider without source", func(c *ProcessConfig) { c.OTASource = nil }},
		{"unknown role", func(c *ProcessConfig) { c.Role = "bridge" }},
		{"requestor with source", func(c *ProcessConfig) { c.Role = RoleOTARequestor }},
		{"app with provider flags", func(c *ProcessConfig) {
			c.Role = RoleApp
			c.OTASource = nil
			c.Provider.PollInterval = Int(5)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := providerConfig()
			tt.mutate(&cfg)

			_, err := cfg.BuildCommand("/tmp/kvs")
			require.Error(t, err)
			assert.True(t, errors.IsConfigurationError(err))
		})
	}
}

func TestBuildCommand_RequiresScratchPath(t *testing.T) {
	_, err := providerConfig().BuildCommand("")
	assert.True(t, errors.IsConfigurationError(err))
}

func TestRoleDefaults(t *testing.T) {
	assert.Equal(t, "[OTA-PROVIDER] ", RoleOTAProvider.LogPrefix())
	assert.Equal(t, "[OTA-REQUESTOR] ", RoleOTARequestor.LogPrefix())
	assert.Equal(t, "[SERVER] ", RoleApp.LogPrefix())
	assert.Equal(t, 5540, RoleApp.DefaultPort())
}
