package cryptoprov

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11helper/p11"
	"github.com/effective-security/x/fileutil"
	"github.com/effective-security/xlog"
	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v3"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11helper", "cryptoprov")

// Infinite is the value of pin_cache_period that never expires
const Infinite = "infinite"

// Config is the configuration of the token layer
type Config struct {
	// Engine is the name of the certificate engine, x509 by default
	Engine string `json:"engine,omitempty" yaml:"engine,omitempty"`
	// PINCachePeriod is a duration, or "infinite"
	PINCachePeriod string `json:"pin_cache_period,omitempty" yaml:"pin_cache_period,omitempty"`
	// MaxLoginRetries is the number of login attempts
	MaxLoginRetries int `json:"max_login_retries,omitempty" yaml:"max_login_retries,omitempty"`
	// ProtectedAuthentication allows login on the token's PIN pad
	ProtectedAuthentication *bool `json:"protected_authentication,omitempty" yaml:"protected_authentication,omitempty"`

	// Defaults are applied to every provider
	Defaults ProviderConfig `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	// Providers to register
	Providers []ProviderConfig `json:"providers,omitempty" yaml:"providers,omitempty"`
}

// ProviderConfig is the configuration of a PKCS#11 module
type ProviderConfig struct {
	// Name to register the provider with
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Path of the PKCS#11 library, relative to the config file or absolute
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	ProtectedAuthentication *bool `json:"protected_authentication,omitempty" yaml:"protected_authentication,omitempty"`
	// PrivateMask lists private key capabilities:
	// sign, sign_recover, decrypt, unwrap
	PrivateMask []string `json:"private_mask,omitempty" yaml:"private_mask,omitempty"`
	// SlotEventMethod is one of auto, trigger, poll, fetch
	SlotEventMethod string `json:"slot_event_method,omitempty" yaml:"slot_event_method,omitempty"`
	// SlotPollInterval is a duration
	SlotPollInterval string `json:"slot_poll_interval,omitempty" yaml:"slot_poll_interval,omitempty"`
	CertIsPrivate    *bool  `json:"cert_is_private,omitempty" yaml:"cert_is_private,omitempty"`
}

var privateModes = map[string]p11.PrivateMode{
	"sign":         p11.PrivateSign,
	"sign_recover": p11.PrivateSignRecover,
	"decrypt":      p11.PrivateDecrypt,
	"unwrap":       p11.PrivateUnwrap,
}

// LoadConfig loads the configuration from YAML, or JSON file with .json extension.
// Relative provider paths are resolved against the config folder.
func LoadConfig(filename string) (*Config, error) {
	cfr, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer cfr.Close()

	cfg := new(Config)
	if strings.HasSuffix(filename, ".json") {
		err = json.NewDecoder(cfr).Decode(cfg)
	} else {
		err = yaml.NewDecoder(cfr).Decode(cfg)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
	}

	baseDir := filepath.Dir(filename)
	for i := range cfg.Providers {
		cfg.Providers[i].Path = resolve(cfg.Providers[i].Path, baseDir)
	}

	if err = cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration: %s", filename)
	}
	return cfg, nil
}

// resolve returns the file relative to baseDir if it exists there,
// otherwise the file as is, to be found by the system loader
func resolve(file, baseDir string) string {
	if file == "" || filepath.IsAbs(file) || baseDir == "" {
		return file
	}
	resolved := filepath.Join(baseDir, file)
	if err := fileutil.FileExists(resolved); err != nil {
		logger.KV(xlog.DEBUG, "reason", "resolve", "file", file, "basedir", baseDir)
		return file
	}
	return resolved
}

// Validate returns error if the configuration can not be applied
func (c *Config) Validate() error {
	if _, err := c.pinCachePeriod(); err != nil {
		return err
	}
	if c.MaxLoginRetries < 0 {
		return errors.Errorf("invalid max_login_retries: %d", c.MaxLoginRetries)
	}

	names := map[string]bool{}
	for _, pc := range c.MergedProviders() {
		if pc.Name == "" || pc.Path == "" {
			return errors.New("provider name and path are required")
		}
		if names[pc.Name] {
			return errors.Errorf("duplicate provider: %s", pc.Name)
		}
		names[pc.Name] = true

		if _, err := pc.ProviderOptions(); err != nil {
			return errors.WithMessagef(err, "provider %s", pc.Name)
		}
	}
	return nil
}

func (c *Config) pinCachePeriod() (time.Duration, error) {
	switch c.PINCachePeriod {
	case "":
		return 0, nil
	case Infinite, "-1":
		return p11.PINCacheInfinite, nil
	}
	d, err := time.ParseDuration(c.PINCachePeriod)
	if err != nil || d < 0 {
		return 0, errors.Errorf("invalid pin_cache_period: %q", c.PINCachePeriod)
	}
	return d, nil
}

// MergedProviders returns the providers with the defaults applied
func (c *Config) MergedProviders() []ProviderConfig {
	res := make([]ProviderConfig, 0, len(c.Providers))
	for i := range c.Providers {
		var merged ProviderConfig
		// copier fails only on mismatched kinds
		_ = copier.CopyWithOption(&merged, &c.Defaults, copier.Option{DeepCopy: true})
		_ = copier.CopyWithOption(&merged, &c.Providers[i], copier.Option{IgnoreEmpty: true, DeepCopy: true})
		res = append(res, merged)
	}
	return res
}

// ContextOptions returns options of p11.Context
func (c *Config) ContextOptions() ([]p11.Option, error) {
	var opts []p11.Option

	period, err := c.pinCachePeriod()
	if err != nil {
		return nil, err
	}
	if c.PINCachePeriod != "" {
		opts = append(opts, p11.WithPINCachePeriod(period))
	}
	if c.MaxLoginRetries > 0 {
		opts = append(opts, p11.WithMaxLoginRetries(c.MaxLoginRetries))
	}
	if c.ProtectedAuthentication != nil {
		opts = append(opts, p11.WithProtectedAuthentication(*c.ProtectedAuthentication))
	}
	return opts, nil
}

// ProviderOptions returns the provider policy
func (pc *ProviderConfig) ProviderOptions() (p11.ProviderOptions, error) {
	opts := p11.ProviderOptions{
		ProtectedAuthentication: pc.ProtectedAuthentication != nil && *pc.ProtectedAuthentication,
		CertIsPrivate:           pc.CertIsPrivate != nil && *pc.CertIsPrivate,
	}

	method, err := p11.ParseSlotEventMethod(pc.SlotEventMethod)
	if err != nil {
		return opts, err
	}
	opts.SlotEventMethod = method

	if pc.SlotPollInterval != "" {
		d, err := time.ParseDuration(pc.SlotPollInterval)
		if err != nil || d <= 0 {
			return opts, errors.Errorf("invalid slot_poll_interval: %q", pc.SlotPollInterval)
		}
		opts.SlotPollInterval = d
	}

	for _, name := range pc.PrivateMask {
		mode, ok := privateModes[strings.ToLower(name)]
		if !ok {
			return opts, errors.Errorf("invalid private_mask: %q", name)
		}
		opts.PrivateMask |= mode
	}
	return opts, nil
}
