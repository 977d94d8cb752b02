package cryptoprov

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/effective-security/p11helper/p11"
	"github.com/effective-security/p11helper/p11/testmodule"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
engine: asn1
pin_cache_period: 15m
max_login_retries: 5
protected_authentication: false
defaults:
  slot_event_method: poll
  slot_poll_interval: 2s
  protected_authentication: true
providers:
  - name: softhsm
    path: softhsm.so
  - name: card
    path: /usr/lib/opensc-pkcs11.so
    private_mask: [sign, decrypt]
    slot_event_method: trigger
    protected_authentication: false
    cert_is_private: true
`

const jsonConfig = `{
  "pin_cache_period": "infinite",
  "providers": [
    {"name": "softhsm", "path": "softhsm.so", "slot_event_method": "fetch"}
  ]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	filename := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(filename, []byte(content), 0o644))
	return filename
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "softhsm.so", "module")
	cfg, err := LoadConfig(writeFile(t, dir, "p11.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "asn1", cfg.Engine)
	assert.Equal(t, "15m", cfg.PINCachePeriod)
	assert.Equal(t, 5, cfg.MaxLoginRetries)
	require.NotNil(t, cfg.ProtectedAuthentication)
	assert.False(t, *cfg.ProtectedAuthentication)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, filepath.Join(dir, "softhsm.so"), cfg.Providers[0].Path, "relative path is resolved")
	assert.Equal(t, "/usr/lib/opensc-pkcs11.so", cfg.Providers[1].Path)

	merged := cfg.MergedProviders()
	require.Len(t, merged, 2)

	opts, err := merged[0].ProviderOptions()
	require.NoError(t, err)
	assert.Equal(t, p11.ProviderOptions{
		ProtectedAuthentication: true,
		SlotEventMethod:         p11.SlotEventPoll,
		SlotPollInterval:        2 * time.Second,
	}, opts)

	opts, err = merged[1].ProviderOptions()
	require.NoError(t, err)
	assert.Equal(t, p11.ProviderOptions{
		PrivateMask:      p11.PrivateSign | p11.PrivateDecrypt,
		SlotEventMethod:  p11.SlotEventTrigger,
		SlotPollInterval: 2 * time.Second,
		CertIsPrivate:    true,
	}, opts)

	// the defaults are not modified by merge
	assert.Empty(t, cfg.Defaults.Name)
	assert.Empty(t, cfg.Defaults.PrivateMask)
}

func TestLoadConfigJSON(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(writeFile(t, dir, "p11.json", jsonConfig))
	require.NoError(t, err)

	assert.Equal(t, Infinite, cfg.PINCachePeriod)
	require.Len(t, cfg.Providers, 1)
	// not found next to the config, left for the system loader
	assert.Equal(t, "softhsm.so", cfg.Providers[0].Path)

	opts, err := cfg.ContextOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 1)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	_, err = LoadConfig(writeFile(t, dir, "bad.json", "{"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode file")

	tcases := []struct {
		name string
		cfg  string
		exp  string
	}{
		{"period", "pin_cache_period: soon", `invalid pin_cache_period: "soon"`},
		{"negative", "pin_cache_period: -5m", `invalid pin_cache_period: "-5m"`},
		{"retries", "max_login_retries: -1", "invalid max_login_retries: -1"},
		{"noname", "providers:\n  - path: a.so", "provider name and path are required"},
		{"duplicate", "providers:\n  - {name: a, path: a.so}\n  - {name: a, path: b.so}", "duplicate provider: a"},
		{"method", "providers:\n  - {name: a, path: a.so, slot_event_method: push}", `unknown slot event method "push"`},
		{"interval", "providers:\n  - {name: a, path: a.so, slot_poll_interval: 0s}", `invalid slot_poll_interval: "0s"`},
		{"mask", "providers:\n  - {name: a, path: a.so, private_mask: [encrypt]}", `invalid private_mask: "encrypt"`},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, dir, tc.name+".yaml", tc.cfg))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.exp)
		})
	}
}

func TestContextOptions(t *testing.T) {
	cfg := &Config{}
	opts, err := cfg.ContextOptions()
	require.NoError(t, err)
	assert.Empty(t, opts)

	allow := true
	cfg = &Config{
		PINCachePeriod:          "1h",
		MaxLoginRetries:         2,
		ProtectedAuthentication: &allow,
	}
	opts, err = cfg.ContextOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 3)
}

func TestLoad(t *testing.T) {
	mods := map[string]*testmodule.Module{}
	loader := p11.WithModuleLoader(func(path string) (p11.Module, error) {
		m := testmodule.New(1)
		mods[path] = m
		return m, nil
	})

	cfg := &Config{
		Engine:          "asn1",
		PINCachePeriod:  "10m",
		MaxLoginRetries: 4,
		Defaults: ProviderConfig{
			SlotEventMethod: "poll",
		},
		Providers: []ProviderConfig{
			{Name: "one", Path: "/memory/one.so"},
			{Name: "two", Path: "/memory/two.so", PrivateMask: []string{"sign"}},
		},
	}

	ctx, err := Load(cfg, loader, p11.WithMaxLoginRetries(1))
	require.NoError(t, err)
	defer ctx.Terminate()

	assert.Equal(t, "asn1", ctx.Engine().Name())
	assert.Equal(t, 10*time.Minute, ctx.PINCachePeriod())
	assert.Equal(t, 1, ctx.MaxLoginRetries(), "options are applied last")

	list := ctx.Providers()
	require.Len(t, list, 2)
	assert.Equal(t, "one", list[0].Name)
	assert.Equal(t, p11.SlotEventPoll, list[0].Options.SlotEventMethod)
	assert.Equal(t, "two", list[1].Name)
	assert.Equal(t, p11.PrivateSign, list[1].Options.PrivateMask)
	assert.Len(t, mods, 2)
}

func TestLoadFailure(t *testing.T) {
	var loaded []*testmodule.Module
	loader := p11.WithModuleLoader(func(path string) (p11.Module, error) {
		m := testmodule.New(1)
		if path == "/memory/broken.so" {
			m.Fail("Initialize", pkcs11.CKR_GENERAL_ERROR, 1)
		}
		loaded = append(loaded, m)
		return m, nil
	})

	cfg := &Config{
		Providers: []ProviderConfig{
			{Name: "one", Path: "/memory/one.so"},
			{Name: "broken", Path: "/memory/broken.so"},
		},
	}
	_, err := Load(cfg, loader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to add provider broken")
	require.Len(t, loaded, 2)
	assert.True(t, loaded[0].Destroyed(), "loaded providers are released")

	_, err = Load(&Config{Engine: "unknown"}, loader)
	require.Error(t, err)

	_, err = Load(&Config{MaxLoginRetries: -1}, loader)
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	filename := writeFile(t, dir, "p11.yaml", "providers:\n  - {name: mem, path: mem.so}\n")

	var paths []string
	ctx, err := LoadFile(filename, p11.WithModuleLoader(func(path string) (p11.Module, error) {
		paths = append(paths, path)
		return testmodule.New(1), nil
	}))
	require.NoError(t, err)
	defer ctx.Terminate()

	assert.Equal(t, []string{"mem.so"}, paths)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
