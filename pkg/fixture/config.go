package fixture

import (
	"strconv"

	"github.com/core-tools/hsu-fixture/pkg/errors"
)

// Role selects which fixture application a ProcessConfig describes.
type Role string

const (
	RoleOTAProvider  Role = "ota-provider"
	RoleOTARequestor Role = "ota-requestor"
	RoleApp          Role = "app"
)

// Default secured device ports per role.
const (
	DefaultAppPort          = 5540
	DefaultOTAProviderPort  = 5541
	DefaultOTARequestorPort = 5542
)

const (
	maxDiscriminator = 0xFFF
	maxPasscode      = 99999998
)

// DefaultPort returns the secured device port a role listens on when none is configured.
func (r Role) DefaultPort() int {
	switch r {
	case RoleOTAProvider:
		return DefaultOTAProviderPort
	case RoleOTARequestor:
		return DefaultOTARequestorPort
	default:
		return DefaultAppPort
	}
}

// LogPrefix is prepended to every output line mirrored from a fixture of this role.
func (r Role) LogPrefix() string {
	switch r {
	case RoleOTAProvider:
		return "[OTA-PROVIDER] "
	case RoleOTARequestor:
		return "[OTA-REQUESTOR] "
	default:
		return "[SERVER] "
	}
}

// OTASource is where a provider reads its update image(s) from. Exactly one
// implementation is chosen per provider: ImageFile or ImageList.
type OTASource interface {
	otaArgs() []string
}

// ImageFile serves a single OTA image.
type ImageFile string

func (p ImageFile) otaArgs() []string { return []string{"--filepath", string(p)} }

// ImageList serves images enumerated in a JSON list file.
type ImageList string

func (p ImageList) otaArgs() []string { return []string{"--otaImageList", string(p)} }

// ProviderOptions is the closed set of optional OTA provider flags.
// String fields are emitted when non-empty, pointer fields when non-nil,
// UserConsentNeeded only when true.
type ProviderOptions struct {
	ImageURI                  string `yaml:"image_uri,omitempty" toml:"image_uri"`
	ApplyUpdateAction         string `yaml:"apply_update_action,omitempty" toml:"apply_update_action"`
	UserConsentNeeded         bool   `yaml:"user_consent_needed,omitempty" toml:"user_consent_needed"`
	UserConsentState          string `yaml:"user_consent_state,omitempty" toml:"user_consent_state"`
	QueryImageStatus          string `yaml:"query_image_status,omitempty" toml:"query_image_status"`
	DelayedApplyActionTimeSec *int   `yaml:"delayed_apply_action_time_sec,omitempty" toml:"delayed_apply_action_time_sec"`
	DelayedQueryActionTimeSec *int   `yaml:"delayed_query_action_time_sec,omitempty" toml:"delayed_query_action_time_sec"`
	IgnoreQueryImage          string `yaml:"ignore_query_image,omitempty" toml:"ignore_query_image"`
	IgnoreApplyUpdate         string `yaml:"ignore_apply_update,omitempty" toml:"ignore_apply_update"`
	PollInterval              *int   `yaml:"poll_interval,omitempty" toml:"poll_interval"`
	MaxBDXBlockSize           *int   `yaml:"max_bdx_block_size,omitempty" toml:"max_bdx_block_size"`
}

func (o ProviderOptions) isZero() bool {
	return len(o.args()) == 0
}

func (o ProviderOptions) args() []string {
	var args []string
	addString := func(flag, value string) {
		if value != "" {
			args = append(args, flag, value)
		}
	}
	addInt := func(flag string, value *int) {
		if value != nil {
			args = append(args, flag, strconv.Itoa(*value))
		}
	}

	addString("--imageUri", o.ImageURI)
	addString("--applyUpdateAction", o.ApplyUpdateAction)
	if o.UserConsentNeeded {
		args = append(args, "--userConsentNeeded")
	}
	addString("--userConsentState", o.UserConsentState)
	addString("--queryImageStatus", o.QueryImageStatus)
	addInt("--delayedApplyActionTimeSec", o.DelayedApplyActionTimeSec)
	addInt("--delayedQueryActionTimeSec", o.DelayedQueryActionTimeSec)
	addString("--ignoreQueryImage", o.IgnoreQueryImage)
	addString("--ignoreApplyUpdate", o.IgnoreApplyUpdate)
	addInt("--pollInterval", o.PollInterval)
	addInt("--maxBDXBlockSize", o.MaxBDXBlockSize)
	return args
}

// ProcessConfig describes one fixture application. It is treated as immutable
// once handed to a supervisor.
type ProcessConfig struct {
	Role          Role
	AppPath       string
	Discriminator *uint16
	Passcode      *uint32
	Port          int
	OTASource     OTASource
	Provider      ProviderOptions
	ExtraArgs     []string
}

// BuildCommand renders the launch command: app path, core flags, OTA source,
// provider flags, then the caller's extra arguments, always in that order.
func (c ProcessConfig) BuildCommand(scratchPath string) ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if scratchPath == "" {
		return nil, errors.NewConfigurationError("scratch storage path is required", nil)
	}

	port := c.Port
	if port == 0 {
		port = c.Role.DefaultPort()
	}

	command := []string{
		c.AppPath,
		"--KVS", scratchPath,
		"--discriminator", strconv.FormatUint(uint64(*c.Discriminator), 10),
		"--passcode", strconv.FormatUint(uint64(*c.Passcode), 10),
		"--secured-device-port", strconv.Itoa(port),
	}
	if c.OTASource != nil {
		command = append(command, c.OTASource.otaArgs()...)
	}
	command = append(command, c.Provider.args()...)
	command = append(command, c.ExtraArgs...)
	return command, nil
}

// Validate reports the first reason the config cannot be rendered.
func (c ProcessConfig) Validate() error {
	if c.AppPath == "" {
		return errors.NewConfigurationError("app path is required", nil).WithContext("role", string(c.Role))
	}
	if c.Discriminator == nil {
		return errors.NewConfigurationError("discriminator is required", nil).WithContext("app", c.AppPath)
	}
	if *c.Discriminator > maxDiscriminator {
		return errors.NewConfigurationError("discriminator must fit in 12 bits", nil).
			WithContext("discriminator", *c.Discriminator)
	}
	if c.Passcode == nil {
		return errors.NewConfigurationError("passcode is required", nil).WithContext("app", c.AppPath)
	}
	if *c.Passcode == 0 || *c.Passcode > maxPasscode {
		return errors.NewConfigurationError("passcode out of range", nil).WithContext("passcode", *c.Passcode)
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.NewConfigurationError("port must be between 0 and 65535", nil).WithContext("port", c.Port)
	}

	switch c.Role {
	case RoleOTAProvider:
		if c.OTASource == nil {
			return errors.NewConfigurationError("OTA provider requires an image file or an image list", nil).
				WithContext("app", c.AppPath)
		}
	case RoleOTARequestor, RoleApp:
		if c.OTASource != nil {
			return errors.NewConfigurationError("OTA source is only valid for an OTA provider", nil).
				WithContext("role", string(c.Role))
		}
		if !c.Provider.isZero() {
			return errors.NewConfigurationError("provider options are only valid for an OTA provider", nil).
				WithContext("role", string(c.Role))
		}
	default:
		return errors.NewConfigurationError("unknown fixture role", nil).WithContext("role", string(c.Role))
	}
	return nil
}

// Uint16 and Uint32 are helpers for filling the optional credential fields.
func Uint16(v uint16) *uint16 { return &v }
func Uint32(v uint32) *uint32 { return &v }

// Int is a helper for the optional numeric provider flags.
func Int(v int) *int { return &v }
