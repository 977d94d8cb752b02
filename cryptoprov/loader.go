package cryptoprov

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11helper/engine"
	"github.com/effective-security/p11helper/p11"
	"github.com/effective-security/xlog"

	// register engines
	_ "github.com/effective-security/p11helper/engine/asn1engine"
	_ "github.com/effective-security/p11helper/engine/x509engine"
)

// Load returns p11.Context with the configured engine and providers.
// The options are applied after the ones from the configuration.
func Load(cfg *Config, opts ...p11.Option) (*p11.Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	all, err := cfg.ContextOptions()
	if err != nil {
		return nil, err
	}
	if cfg.Engine != "" {
		e, err := engine.New(cfg.Engine)
		if err != nil {
			return nil, err
		}
		all = append(all, p11.WithEngine(e))
	}
	all = append(all, opts...)

	ctx, err := p11.New(all...)
	if err != nil {
		return nil, err
	}

	for _, pc := range cfg.MergedProviders() {
		popts, _ := pc.ProviderOptions()
		if err = ctx.AddProvider(pc.Name, pc.Path, popts); err != nil {
			_ = ctx.Terminate()
			return nil, errors.WithMessagef(err, "unable to add provider %s", pc.Name)
		}
	}

	logger.KV(xlog.INFO, "status", "loaded", "providers", len(cfg.Providers))
	return ctx, nil
}

// LoadFile returns p11.Context from the configuration file
func LoadFile(filename string, opts ...p11.Option) (*p11.Context, error) {
	cfg, err := LoadConfig(filename)
	if err != nil {
		return nil, err
	}
	return Load(cfg, opts...)
}
