// Package config provides YAML configuration loading and validation for an
// ebpfcore host process: profile selection, the trusted Ed25519 signer set,
// declared attach targets, and the admin HTTP surface's JWT settings.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/corvidrobotics/ebpfcore/internal/attach"
	"github.com/corvidrobotics/ebpfcore/internal/profile"
	"github.com/corvidrobotics/ebpfcore/internal/sign"
)

// Config is the top-level configuration structure for a board or cloud host
// process.
type Config struct {
	// Profile selects the resource profile the runtime enforces: "embedded"
	// or "cloud". Defaults to "embedded" when omitted.
	Profile string `yaml:"profile"`

	// AuditLogPath is the path to the hash-chained audit log file. Defaults
	// to "audit.log" when omitted.
	AuditLogPath string `yaml:"audit_log_path"`

	// HistoryDBPath is the path to the program admission history SQLite
	// database. Defaults to "history.db" when omitted; ":memory:" is
	// accepted for ephemeral hosts.
	HistoryDBPath string `yaml:"history_db_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// TrustedSigners is the set of Ed25519 public keys whose signed program
	// envelopes this host will admit.
	TrustedSigners []TrustedSignerConfig `yaml:"trusted_signers"`

	// Attachments declares the attach bindings to establish at startup,
	// each naming the already-loaded program it binds by name.
	Attachments []AttachConfig `yaml:"attachments"`

	// AdminAPI configures the local JWT-gated HTTP introspection surface.
	AdminAPI AdminAPIConfig `yaml:"admin_api"`
}

// TrustedSignerConfig names one operator key this host trusts.
type TrustedSignerConfig struct {
	// Name is a human-readable label for this key (e.g. "fleet-ops").
	// Required.
	Name string `yaml:"name"`

	// PublicKeyHex is the 32-byte Ed25519 public key, hex-encoded.
	// Required.
	PublicKeyHex string `yaml:"public_key_hex"`
}

// AttachConfig declares a single attach binding. Which fields are required
// depends on Type; see the grammar comments on each field.
type AttachConfig struct {
	// Type is one of "kprobe", "tracepoint", "iio", "gpio", "pwm". Required.
	Type string `yaml:"type"`

	// Program is the name a program was admitted under via PROG_LOAD, used
	// to resolve which loaded program this binding attaches. Required.
	Program string `yaml:"program"`

	// Function is the probed function name. Required for "kprobe".
	Function string `yaml:"function,omitempty"`

	// Category and Name together name a tracepoint. Both required for
	// "tracepoint".
	Category string `yaml:"category,omitempty"`
	Name     string `yaml:"name,omitempty"`

	// Device and Channel together name an IIO sample source. Both required
	// for "iio".
	Device  string `yaml:"device,omitempty"`
	Channel string `yaml:"channel,omitempty"`

	// Chip and Line name a GPIO line; Edge selects which transitions fire
	// the attached program: "Rising", "Falling", or "Both". All three
	// required for "gpio".
	Chip string `yaml:"chip,omitempty"`
	Line uint32 `yaml:"line,omitempty"`
	Edge string `yaml:"edge,omitempty"`

	// PWMChannel names a PWM output on Chip. Required for "pwm" (Chip is
	// shared with the GPIO fields above).
	PWMChannel uint32 `yaml:"pwm_channel,omitempty"`
}

// AdminAPIConfig configures internal/adminapi's chi-routed HTTP surface.
type AdminAPIConfig struct {
	// ListenAddr is the HTTP listen address (e.g. "127.0.0.1:9100").
	// Defaults to "127.0.0.1:9100" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// JWTSigningKey is the HMAC secret used to verify bearer tokens
	// presented to mutating endpoints. Required if any Attachments or
	// TrustedSigners are configured to be loaded at runtime via the API.
	JWTSigningKey string `yaml:"jwt_signing_key"`

	// OperatorAllowlist restricts accepted bearer tokens to those whose
	// "sub" claim matches one of these values. Empty means any subject with
	// a validly-signed token is accepted.
	OperatorAllowlist []string `yaml:"operator_allowlist,omitempty"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validAttachTypes = map[string]bool{
	"kprobe":     true,
	"tracepoint": true,
	"iio":        true,
	"gpio":       true,
	"pwm":        true,
}

var validEdges = map[string]bool{
	"Rising":  true,
	"Falling": true,
	"Both":    true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Profile == "" {
		cfg.Profile = string(profile.Embedded)
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "audit.log"
	}
	if cfg.HistoryDBPath == "" {
		cfg.HistoryDBPath = "history.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AdminAPI.ListenAddr == "" {
		cfg.AdminAPI.ListenAddr = "127.0.0.1:9100"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if _, ok := profile.ForKind(profile.Kind(cfg.Profile)); !ok {
		errs = append(errs, fmt.Errorf("profile %q must be one of: embedded, cloud", cfg.Profile))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	for i, s := range cfg.TrustedSigners {
		prefix := fmt.Sprintf("trusted_signers[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if _, err := decodePublicKey(s.PublicKeyHex); err != nil {
			errs = append(errs, fmt.Errorf("%s: public_key_hex: %w", prefix, err))
		}
	}

	for i, a := range cfg.Attachments {
		prefix := fmt.Sprintf("attachments[%d]", i)
		if a.Program == "" {
			errs = append(errs, fmt.Errorf("%s: program is required", prefix))
		}
		if !validAttachTypes[a.Type] {
			errs = append(errs, fmt.Errorf("%s: type %q must be one of: kprobe, tracepoint, iio, gpio, pwm", prefix, a.Type))
			continue
		}
		switch a.Type {
		case "kprobe":
			if a.Function == "" {
				errs = append(errs, fmt.Errorf("%s: function is required for kprobe", prefix))
			}
		case "tracepoint":
			if a.Category == "" || a.Name == "" {
				errs = append(errs, fmt.Errorf("%s: category and name are required for tracepoint", prefix))
			}
		case "iio":
			if a.Device == "" || a.Channel == "" {
				errs = append(errs, fmt.Errorf("%s: device and channel are required for iio", prefix))
			}
		case "gpio":
			if a.Chip == "" {
				errs = append(errs, fmt.Errorf("%s: chip is required for gpio", prefix))
			}
			if !validEdges[a.Edge] {
				errs = append(errs, fmt.Errorf("%s: edge %q must be one of: Rising, Falling, Both", prefix, a.Edge))
			}
		case "pwm":
			if a.Chip == "" {
				errs = append(errs, fmt.Errorf("%s: chip is required for pwm", prefix))
			}
		}
	}

	return errors.Join(errs...)
}

func decodePublicKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(key) != sign.PublicKeyLen {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", sign.PublicKeyLen, len(key))
	}
	return key, nil
}

// TrustedKeys decodes every configured signer into a sign.TrustedKey, for
// use as hostapi.Options.TrustedKeys. Config must already have passed
// validate (e.g. via LoadConfig) for this to be infallible in practice.
func (c *Config) TrustedKeys() ([]sign.TrustedKey, error) {
	keys := make([]sign.TrustedKey, 0, len(c.TrustedSigners))
	for _, s := range c.TrustedSigners {
		raw, err := decodePublicKey(s.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("config: trusted signer %q: %w", s.Name, err)
		}
		tk, err := sign.NewTrustedKey(raw)
		if err != nil {
			return nil, fmt.Errorf("config: trusted signer %q: %w", s.Name, err)
		}
		keys = append(keys, tk)
	}
	return keys, nil
}

// AttachTarget converts a as declared in YAML into the attach.Config the
// attach manager expects. It does not resolve Program to a program.ID;
// callers look that up from their own program-name table before calling
// Runtime.ProgAttach.
func (a AttachConfig) AttachTarget() (attach.Config, error) {
	switch a.Type {
	case "kprobe":
		return attach.KprobeConfig(a.Function), nil
	case "tracepoint":
		return attach.TracepointConfig(a.Category, a.Name), nil
	case "iio":
		return attach.IIOConfig(a.Device, a.Channel), nil
	case "gpio":
		edge, ok := edgeFromString(a.Edge)
		if !ok {
			return attach.Config{}, fmt.Errorf("config: invalid gpio edge %q", a.Edge)
		}
		return attach.GPIOConfig(a.Chip, a.Line, edge), nil
	case "pwm":
		return attach.PWMConfig(a.Chip, a.PWMChannel), nil
	default:
		return attach.Config{}, fmt.Errorf("config: unknown attach type %q", a.Type)
	}
}

func edgeFromString(s string) (attach.Edge, bool) {
	switch s {
	case "Rising":
		return attach.EdgeRising, true
	case "Falling":
		return attach.EdgeFalling, true
	case "Both":
		return attach.EdgeBoth, true
	default:
		return 0, false
	}
}
