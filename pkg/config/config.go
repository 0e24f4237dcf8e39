package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/core-tools/hsu-fixture/pkg/acl"
	"github.com/core-tools/hsu-fixture/pkg/errors"
	"github.com/core-tools/hsu-fixture/pkg/fixture"
	"github.com/core-tools/hsu-fixture/pkg/logging"
	"github.com/core-tools/hsu-fixture/pkg/orchestrator"

	"github.com/pelletier/go-toml/v2"
	"github.com/phayes/freeport"
	"gopkg.in/yaml.v3"
)

const (
	DefaultControllerPort = 50070
	DefaultReadyMarker    = "Server Listening"
)

// FixtureFileConfig is the top-level configuration file structure.
type FixtureFileConfig struct {
	Session  SessionConfig     `yaml:"session" toml:"session"`
	Logging  logging.ZapConfig `yaml:"logging" toml:"logging"`
	Fixtures []FixtureConfig   `yaml:"fixtures" toml:"fixtures"`
}

type SessionConfig struct {
	StorageDir        string `yaml:"storage_dir,omitempty" toml:"storage_dir,omitempty"`
	StrictPauseResume bool   `yaml:"strict_pause_resume,omitempty" toml:"strict_pause_resume,omitempty"`

	// RestoreACLs restores every touched ACL during shutdown. Defaults to true.
	RestoreACLs     *bool            `yaml:"restore_acls,omitempty" toml:"restore_acls,omitempty"`
	ShutdownTimeout Duration         `yaml:"shutdown_timeout,omitempty" toml:"shutdown_timeout,omitempty"`
	Controller      ControllerConfig `yaml:"controller" toml:"controller"`
	ACL             ACLConfig        `yaml:"acl" toml:"acl"`
	Authorize       *AuthorizeConfig `yaml:"authorize,omitempty" toml:"authorize,omitempty"`
	MetricsAddress  string           `yaml:"metrics_address,omitempty" toml:"metrics_address,omitempty"`
}

// ControllerConfig locates the device controller control service.
// ServerPath, when set, is launched and attached to on Port.
type ControllerConfig struct {
	Port       int    `yaml:"port,omitempty" toml:"port,omitempty"`
	ServerPath string `yaml:"server_path,omitempty" toml:"server_path,omitempty"`
}

type ACLConfig struct {
	Strict            bool   `yaml:"strict,omitempty" toml:"strict,omitempty"`
	IncludeAdminEntry bool   `yaml:"include_admin_entry,omitempty" toml:"include_admin_entry,omitempty"`
	AdminNodeID       uint64 `yaml:"admin_node_id,omitempty" toml:"admin_node_id,omitempty"`
}

// AuthorizeConfig names the node pair commissioned and authorized after start.
// A zero requestor node grants any requestor.
type AuthorizeConfig struct {
	ProviderNode  uint64 `yaml:"provider_node" toml:"provider_node"`
	RequestorNode uint64 `yaml:"requestor_node,omitempty" toml:"requestor_node,omitempty"`
}

// FixtureConfig is one fixture application.
type FixtureConfig struct {
	ID            string                  `yaml:"id" toml:"id"`
	Role          fixture.Role            `yaml:"role" toml:"role"`
	AppPath       string                  `yaml:"app_path" toml:"app_path"`
	NodeID        uint64                  `yaml:"node_id,omitempty" toml:"node_id,omitempty"`
	Discriminator *uint16                 `yaml:"discriminator" toml:"discriminator"`
	Passcode      *uint32                 `yaml:"passcode" toml:"passcode"`
	Port          int                     `yaml:"port,omitempty" toml:"port,omitempty"`
	AutoPort      bool                    `yaml:"auto_port,omitempty" toml:"auto_port,omitempty"`
	OTAImage      string                  `yaml:"ota_image,omitempty" toml:"ota_image,omitempty"`
	OTAImageList  string                  `yaml:"ota_image_list,omitempty" toml:"ota_image_list,omitempty"`
	Provider      fixture.ProviderOptions `yaml:"provider,omitempty" toml:"provider,omitempty"`
	ExtraArgs     []string                `yaml:"extra_args,omitempty" toml:"extra_args,omitempty"`

	ReadyMarker     *string  `yaml:"ready_marker,omitempty" toml:"ready_marker,omitempty"`
	StartupTimeout  Duration `yaml:"startup_timeout,omitempty" toml:"startup_timeout,omitempty"`
	GracefulTimeout Duration `yaml:"graceful_timeout,omitempty" toml:"graceful_timeout,omitempty"`
	LogFile         string   `yaml:"log_file,omitempty" toml:"log_file,omitempty"`
}

// Duration reads "10s" style strings from both YAML and TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// LoadConfigFromFile loads a fixture session configuration. Files ending in
// .toml are parsed as TOML, everything else as YAML.
func LoadConfigFromFile(filename string) (*FixtureFileConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config FixtureFileConfig
	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, errors.NewValidationError("failed to parse TOML configuration", err).WithContext("filename", filename)
		}
	} else {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
		}
	}

	if err := setConfigDefaults(&config); err != nil {
		return nil, errors.NewValidationError("failed to apply configuration defaults", err)
	}

	return &config, nil
}

func setConfigDefaults(config *FixtureFileConfig) error {
	if config.Session.StorageDir == "" {
		config.Session.StorageDir = os.TempDir()
	}
	if config.Session.RestoreACLs == nil {
		restore := true
		config.Session.RestoreACLs = &restore
	}
	if config.Session.ShutdownTimeout == 0 {
		config.Session.ShutdownTimeout = Duration(30 * time.Second)
	}
	if config.Session.Controller.Port == 0 {
		config.Session.Controller.Port = DefaultControllerPort
	}

	defaultLogging := logging.DefaultZapConfig()
	if config.Logging.Level == "" {
		config.Logging.Level = defaultLogging.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaultLogging.Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = defaultLogging.Output
	}

	for i := range config.Fixtures {
		f := &config.Fixtures[i]

		if f.AutoPort && f.Port == 0 {
			port, err := freeport.GetFreePort()
			if err != nil {
				return errors.NewIOError("failed to allocate a free port", err).WithContext("fixture", f.ID)
			}
			f.Port = port
		}
		if f.Port == 0 {
			f.Port = f.Role.DefaultPort()
		}
		if f.ReadyMarker == nil {
			marker := DefaultReadyMarker
			f.ReadyMarker = &marker
		}
	}

	return nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *FixtureFileConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}
	if len(config.Fixtures) == 0 {
		return errors.NewValidationError("at least one fixture is required", nil)
	}

	if err := validateSessionConfig(&config.Session, config.Fixtures); err != nil {
		return errors.NewValidationError("invalid session configuration", err)
	}

	ids := make(map[string]bool)
	nodes := make(map[uint64]string)
	ports := make(map[int]string)
	for i, f := range config.Fixtures {
		if err := validateFixtureConfig(f); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid fixture at index %d", i), err).
				WithContext("fixture", f.ID)
		}
		if ids[f.ID] {
			return errors.NewValidationError("duplicate fixture ID", nil).WithContext("fixture", f.ID)
		}
		ids[f.ID] = true

		if f.NodeID != 0 {
			if other, exists := nodes[f.NodeID]; exists {
				return errors.NewValidationError("node id used by more than one fixture", nil).
					WithContext("node_id", f.NodeID).WithContext("fixture", f.ID).WithContext("other", other)
			}
			nodes[f.NodeID] = f.ID
		}
		if other, exists := ports[f.Port]; exists {
			return errors.NewValidationError("port used by more than one fixture", nil).
				WithContext("port", f.Port).WithContext("fixture", f.ID).WithContext("other", other)
		}
		ports[f.Port] = f.ID
	}

	return nil
}

func validateSessionConfig(session *SessionConfig, fixtures []FixtureConfig) error {
	if session.Controller.Port < 1 || session.Controller.Port > 65535 {
		return errors.NewValidationError("controller port must be between 1 and 65535", nil).
			WithContext("port", session.Controller.Port)
	}
	if session.ShutdownTimeout < 0 {
		return errors.NewValidationError("shutdown timeout cannot be negative", nil)
	}
	if session.Authorize != nil {
		if session.Authorize.ProviderNode == 0 {
			return errors.NewValidationError("authorize requires a provider node", nil)
		}
		if session.Authorize.ProviderNode == session.Authorize.RequestorNode {
			return errors.NewValidationError("authorize requires two different nodes", nil).
				WithContext("node_id", session.Authorize.ProviderNode)
		}
		if !hasNode(fixtures, session.Authorize.ProviderNode) && !hasNode(fixtures, session.Authorize.RequestorNode) {
			return errors.NewValidationError("authorize names no fixture-backed node", nil).
				WithContext("provider_node", session.Authorize.ProviderNode).
				WithContext("requestor_node", session.Authorize.RequestorNode)
		}
	}
	return nil
}

func hasNode(fixtures []FixtureConfig, node uint64) bool {
	if node == 0 {
		return false
	}
	for _, f := range fixtures {
		if f.NodeID == node {
			return true
		}
	}
	return false
}

func validateFixtureConfig(f FixtureConfig) error {
	if f.ID == "" {
		return errors.NewValidationError("fixture ID is required", nil)
	}
	if f.OTAImage != "" && f.OTAImageList != "" {
		return errors.NewValidationError("ota_image and ota_image_list are mutually exclusive", nil)
	}
	if f.StartupTimeout < 0 || f.GracefulTimeout < 0 {
		return errors.NewValidationError("timeouts cannot be negative", nil)
	}
	return f.ProcessConfig().Validate()
}

// ProcessConfig converts the fixture entry into the launch configuration.
func (f FixtureConfig) ProcessConfig() fixture.ProcessConfig {
	var source fixture.OTASource
	switch {
	case f.OTAImage != "":
		source = fixture.ImageFile(f.OTAImage)
	case f.OTAImageList != "":
		source = fixture.ImageList(f.OTAImageList)
	}
	return fixture.ProcessConfig{
		Role:          f.Role,
		AppPath:       f.AppPath,
		Discriminator: f.Discriminator,
		Passcode:      f.Passcode,
		Port:          f.Port,
		OTASource:     source,
		Provider:      f.Provider,
		ExtraArgs:     f.ExtraArgs,
	}
}

// CreateFixturesFromConfig builds the orchestrator fixture list.
func CreateFixturesFromConfig(config *FixtureFileConfig) ([]orchestrator.FixtureSpec, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	specs := make([]orchestrator.FixtureSpec, 0, len(config.Fixtures))
	for _, f := range config.Fixtures {
		spec := orchestrator.FixtureSpec{
			ID:              f.ID,
			NodeID:          f.NodeID,
			Process:         f.ProcessConfig(),
			StartupTimeout:  f.StartupTimeout.Duration(),
			GracefulTimeout: f.GracefulTimeout.Duration(),
			LogFile:         f.LogFile,
		}
		if f.ReadyMarker != nil {
			spec.ReadyMarker = *f.ReadyMarker
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// OrchestratorOptions maps session settings onto orchestrator options.
func OrchestratorOptions(config *FixtureFileConfig) orchestrator.Options {
	return orchestrator.Options{
		StorageDir:        config.Session.StorageDir,
		StrictPauseResume: config.Session.StrictPauseResume,
		ACL: acl.Options{
			Strict:            config.Session.ACL.Strict,
			IncludeAdminEntry: config.Session.ACL.IncludeAdminEntry,
			AdminNodeID:       config.Session.ACL.AdminNodeID,
		},
	}
}
