package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-fixture/pkg/errors"
	"github.com/core-tools/hsu-fixture/pkg/fixture"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const providerYAML = `
session:
  storage_dir: /var/tmp/fixtures
  strict_pause_resume: true
  controller:
    port: 50071
  acl:
    include_admin_entry: true
  authorize:
    provider_node: 5
    requestor_node: 9
fixtures:
  - id: provider
    role: ota-provider
    app_path: ./chip-ota-provider-app
    node_id: 5
    discriminator: 3840
    passcode: 20202021
    ota_image: /tmp/img.ota
    provider:
      user_consent_needed: true
      poll_interval: 10
    startup_timeout: 15s
    graceful_timeout: 3s
    extra_args: ["--trace_decode", "1"]
`

func TestLoadConfigFromFile_YAML(t *testing.T) {
	config, err := LoadConfigFromFile(writeConfig(t, "fixtures.yaml", providerYAML))
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(config))

	assert.Equal(t, "/var/tmp/fixtures", config.Session.StorageDir)
	assert.True(t, config.Session.StrictPauseResume)
	assert.Equal(t, 50071, config.Session.Controller.Port)
	assert.True(t, *config.Session.RestoreACLs)
	assert.Equal(t, 30*time.Second, config.Session.ShutdownTimeout.Duration())
	assert.Equal(t, "info", config.Logging.Level)

	require.Len(t, config.Fixtures, 1)
	f := config.Fixtures[0]
	assert.Equal(t, fixture.RoleOTAProvider, f.Role)
	assert.Equal(t, 5541, f.Port, "role default port")
	assert.Equal(t, DefaultReadyMarker, *f.ReadyMarker)
	assert.Equal(t, 15*time.Second, f.StartupTimeout.Duration())
	assert.Equal(t, 3*time.Second, f.GracefulTimeout.Duration())

	command, err := f.ProcessConfig().BuildCommand("/tmp/kvs-app-1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"./chip-ota-provider-app",
		"--KVS", "/tmp/kvs-app-1",
		"--discriminator", "3840",
		"--passcode", "20202021",
		"--secured-device-port", "5541",
		"--filepath", "/tmp/img.ota",
		"--userConsentNeeded",
		"--pollInterval", "10",
		"--trace_decode", "1",
	}, command)
}

func TestLoadConfigFromFile_TOML(t *testing.T) {
	content := `
[session]
restore_acls = false
shutdown_timeout = "5s"

[[fixtures]]
id = "requestor"
role = "ota-requestor"
app_path = "./chip-ota-requestor-app"
node_id = 9
discriminator = 3841
passcode = 20202021
ready_marker = ""
`
	config, err := LoadConfigFromFile(writeConfig(t, "fixtures.toml", content))
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(config))

	assert.False(t, *config.Session.RestoreACLs)
	assert.Equal(t, 5*time.Second, config.Session.ShutdownTimeout.Duration())
	assert.Equal(t, DefaultControllerPort, config.Session.Controller.Port)

	f := config.Fixtures[0]
	assert.Equal(t, 5542, f.Port)
	assert.Equal(t, "", *f.ReadyMarker, "explicit empty marker disables readiness matching")
	assert.Equal(t, uint16(3841), *f.Discriminator)
}

func TestLoadConfigFromFile_AutoPort(t *testing.T) {
	content := `
fixtures:
  - id: app
    role: app
    app_path: ./chip-all-clusters-app
    discriminator: 1
    passcode: 20202021
    auto_port: true
`
	config, err := LoadConfigFromFile(writeConfig(t, "fixtures.yml", content))
	require.NoError(t, err)
	assert.NotZero(t, config.Fixtures[0].Port)
	assert.NotEqual(t, fixture.RoleApp.DefaultPort(), config.Fixtures[0].Port)
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsIOError(err))

	_, err = LoadConfigFromFile(writeConfig(t, "bad.yaml", "fixtures: [:"))
	assert.True(t, errors.IsValidationError(err))

	_, err = LoadConfigFromFile(writeConfig(t, "bad.toml", "[[fixtures]\nid ="))
	assert.True(t, errors.IsValidationError(err))

	_, err = LoadConfigFromFile(writeConfig(t, "duration.yaml", "fixtures:\n  - id: a\n    startup_timeout: soon\n"))
	assert.True(t, errors.IsValidationError(err))
}

func validConfig() *FixtureFileConfig {
	config := &FixtureFileConfig{
		Fixtures: []FixtureConfig{
			{
				ID:            "provider",
				Role:          fixture.RoleOTAProvider,
				AppPath:       "./chip-ota-provider-app",
				NodeID:        5,
				Discriminator: fixture.Uint16(3840),
				Passcode:      fixture.Uint32(20202021),
				OTAImage:      "/tmp/img.ota",
			},
			{
				ID:            "requestor",
				Role:          fixture.RoleOTARequestor,
				AppPath:       "./chip-ota-requestor-app",
				NodeID:        9,
				Discriminator: fixture.Uint16(3841),
				Passcode:      fixture.Uint32(20202021),
			},
		},
	}
	if err := setConfigDefaults(config); err != nil {
		panic(err)
	}
	return config
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *FixtureFileConfig)
	}{
		{"no fixtures", func(c *FixtureFileConfig) { c.Fixtures = nil }},
		{"missing id", func(c *FixtureFileConfig) { c.Fixtures[0].ID = "" }},
		{"duplicate id", func(c *FixtureFileConfig) { c.Fixtures[1].ID = "provider" }},
		{"duplicate node", func(c *FixtureFileConfig) { c.Fixtures[1].NodeID = 5 }},
		{"duplicate port", func(c *FixtureFileConfig) { c.Fixtures[1].Port = 5541 }},
		{"both image sources", func(c *FixtureFileConfig) { c.Fixtures[0].OTAImageList = "/tmp/list.json" }},
		{"provider without image", func(c *FixtureFileConfig) { c.Fixtures[0].OTAImage = "" }},
		{"requestor with image", func(c *FixtureFileConfig) { c.Fixtures[1].OTAImage = "/tmp/img.ota" }},
		{"discriminator too large", func(c *FixtureFileConfig) { c.Fixtures[0].Discriminator = fixture.Uint16(0x1000) }},
		{"negative timeout", func(c *FixtureFileConfig) { c.Fixtures[0].StartupTimeout = Duration(-time.Second) }},
		{"controller port", func(c *FixtureFileConfig) { c.Session.Controller.Port = 70000 }},
		{"authorize same node", func(c *FixtureFileConfig) { c.Session.Authorize = &AuthorizeConfig{ProviderNode: 5, RequestorNode: 5} }},
		{"authorize unknown nodes", func(c *FixtureFileConfig) { c.Session.Authorize = &AuthorizeConfig{ProviderNode: 7, RequestorNode: 8} }},
	}

	require.NoError(t, ValidateConfig(validConfig()))
	assert.True(t, errors.IsValidationError(ValidateConfig(nil)))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			assert.True(t, errors.IsValidationError(ValidateConfig(config)))
		})
	}
}

func TestCreateFixturesFromConfig(t *testing.T) {
	config := validConfig()
	config.Fixtures[0].StartupTimeout = Duration(7 * time.Second)
	config.Fixtures[1].OTAImageList = ""

	specs, err := CreateFixturesFromConfig(config)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "provider", specs[0].ID)
	assert.Equal(t, uint64(5), specs[0].NodeID)
	assert.Equal(t, DefaultReadyMarker, specs[0].ReadyMarker)
	assert.Equal(t, 7*time.Second, specs[0].StartupTimeout)
	assert.Equal(t, fixture.ImageFile("/tmp/img.ota"), specs[0].Process.OTASource)
	assert.Nil(t, specs[1].Process.OTASource)
	assert.Equal(t, 5542, specs[1].Process.Port)

	options := OrchestratorOptions(config)
	assert.Equal(t, os.TempDir(), options.StorageDir)
}
