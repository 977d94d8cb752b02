package p11

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11helper/metricskey"
	"github.com/effective-security/p11helper/x/xsync"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// DefaultSlotPollInterval is the interval of the Poll and Fetch slot event methods
const DefaultSlotPollInterval = 5 * time.Second

// SlotEventMethod specifies how slot events of a provider are detected
type SlotEventMethod int

// Slot event methods
const (
	// SlotEventAuto uses Trigger if the module supports it, otherwise Poll
	SlotEventAuto SlotEventMethod = iota
	// SlotEventTrigger blocks in C_WaitForSlotEvent
	SlotEventTrigger
	// SlotEventPoll compares the slot and token information periodically
	SlotEventPoll
	// SlotEventFetch calls non-blocking C_WaitForSlotEvent periodically
	SlotEventFetch
)

var slotEventMethodNames = map[SlotEventMethod]string{
	SlotEventAuto:    "auto",
	SlotEventTrigger: "trigger",
	SlotEventPoll:    "poll",
	SlotEventFetch:   "fetch",
}

// String returns the method name
func (m SlotEventMethod) String() string {
	if s, ok := slotEventMethodNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseSlotEventMethod returns SlotEventMethod by name
func ParseSlotEventMethod(name string) (SlotEventMethod, error) {
	if name == "" {
		return SlotEventAuto, nil
	}
	for m, s := range slotEventMethodNames {
		if s == name {
			return m, nil
		}
	}
	return SlotEventAuto, errors.WithMessagef(ErrInvalidArgument, "unknown slot event method %q", name)
}

// PrivateMode is a set of private key capabilities
type PrivateMode uint

// Private key capabilities
const (
	PrivateSign PrivateMode = 1 << iota
	PrivateSignRecover
	PrivateDecrypt
	PrivateUnwrap

	// PrivateAuto discovers the capabilities from the key attributes
	PrivateAuto PrivateMode = 0
)

var privateModeNames = []struct {
	mode PrivateMode
	name string
}{
	{PrivateSign, "sign"},
	{PrivateSignRecover, "sign_recover"},
	{PrivateDecrypt, "decrypt"},
	{PrivateUnwrap, "unwrap"},
}

// String returns the capability names joined by '|', or "auto"
func (m PrivateMode) String() string {
	if m == PrivateAuto {
		return "auto"
	}
	var names []string
	for _, n := range privateModeNames {
		if m&n.mode != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ProviderOptions specifies provider policy
type ProviderOptions struct {
	// ProtectedAuthentication allows login on the token's PIN pad
	ProtectedAuthentication bool
	// PrivateMask overrides the discovered private key capabilities
	PrivateMask PrivateMode
	// SlotEventMethod specifies how slot events are detected
	SlotEventMethod SlotEventMethod
	// SlotPollInterval is the interval of Poll and Fetch methods
	SlotPollInterval time.Duration
	// CertIsPrivate specifies that certificates are visible only after login
	CertIsPrivate bool
}

// ProviderInfo describes registered provider,
// SlotWatch is true while its slot watch thread runs
type ProviderInfo struct {
	Name         string          `json:"name"`
	Path         string          `json:"path"`
	Manufacturer string          `json:"manufacturer"`
	Enabled      bool            `json:"enabled"`
	SlotWatch    bool            `json:"slot_watch"`
	Options      ProviderOptions `json:"options"`
}

// Provider is a loaded PKCS#11 module
type Provider struct {
	name         string
	path         string
	module       Module
	opts         ProviderOptions
	manufacturer string
	ownsInit     bool
	enabled      atomic.Bool

	// guards watch and stop, and the enabled transition to false
	mu    sync.Mutex
	watch *xsync.Thread
	stop  *xsync.Event
}

// Name returns the registered name
func (p *Provider) Name() string {
	return p.name
}

// Info returns the provider description
func (p *Provider) Info() ProviderInfo {
	p.mu.Lock()
	watching := p.watch != nil && !p.watch.Done()
	p.mu.Unlock()

	return ProviderInfo{
		Name:         p.name,
		Path:         p.path,
		Manufacturer: p.manufacturer,
		Enabled:      p.enabled.Load(),
		SlotWatch:    watching,
		Options:      p.opts,
	}
}

func (p *Provider) pollInterval() time.Duration {
	if p.opts.SlotPollInterval > 0 {
		return p.opts.SlotPollInterval
	}
	return DefaultSlotPollInterval
}

// providerList returns the published providers,
// the slice must not be modified
func (c *Context) providerList() []*Provider {
	return *c.providers.Load()
}

// Providers returns the registered providers
func (c *Context) Providers() []ProviderInfo {
	list := c.providerList()
	res := make([]ProviderInfo, 0, len(list))
	for _, p := range list {
		res = append(res, p.Info())
	}
	return res
}

// AddProvider loads the module and registers it by name
func (c *Context) AddProvider(name, path string, opts ProviderOptions) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	if name == "" || path == "" {
		return errors.WithMessage(ErrInvalidArgument, "provider name and path are required")
	}

	c.regLock.Lock()
	defer c.regLock.Unlock()

	for _, p := range c.providerList() {
		if p.name == name {
			return errors.WithMessagef(ErrInvalidArgument, "provider already registered: %s", name)
		}
	}

	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), name, "add_provider")

	c.log(xlog.DEBUG, "status", "add_provider", "name", name, "path", path)

	mod, err := c.loader(path)
	if err != nil {
		c.log(xlog.ERROR, "reason", "load", "name", name, "path", path, "err", err.Error())
		return err
	}

	ownsInit := true
	if err = mod.Initialize(); err != nil {
		if RV(err) != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			mod.Destroy()
			err = wrapRV(err, "C_Initialize")
			c.log(xlog.ERROR, "reason", "initialize", "name", name, "err", err.Error())
			return err
		}
		ownsInit = false
	}

	info, err := mod.GetInfo()
	if err != nil {
		if ownsInit {
			_ = mod.Finalize()
		}
		mod.Destroy()
		err = wrapRV(err, "C_GetInfo")
		c.log(xlog.ERROR, "reason", "get_info", "name", name, "err", err.Error())
		return err
	}

	p := &Provider{
		name:         name,
		path:         path,
		module:       mod,
		opts:         opts,
		manufacturer: trimInfo(info.ManufacturerID),
		ownsInit:     ownsInit,
		stop:         xsync.NewEvent(),
	}
	p.enabled.Store(true)

	list := append(slices.Clone(c.providerList()), p)
	c.providers.Store(&list)

	if c.monitor != nil {
		c.monitor.rescan()
	}

	c.log(xlog.INFO, "status", "provider_added",
		"name", name,
		"manufacturer", p.manufacturer,
		"owns_init", ownsInit)
	return nil
}

// RemoveProvider disables and unloads the provider.
// Sessions bound to it fail with ErrProviderUnavailable
// until reset with ResetSession.
func (c *Context) RemoveProvider(name string) error {
	if err := c.checkActive(); err != nil {
		return err
	}

	c.regLock.Lock()
	list := c.providerList()
	idx := slices.IndexFunc(list, func(p *Provider) bool { return p.name == name })
	if idx < 0 {
		c.regLock.Unlock()
		return errors.WithMessagef(ErrInvalidArgument, "provider not registered: %s", name)
	}
	p := list[idx]
	updated := slices.Delete(slices.Clone(list), idx, idx+1)
	c.providers.Store(&updated)
	c.regLock.Unlock()

	c.unloadProvider(p)

	c.log(xlog.INFO, "status", "provider_removed", "name", name)
	return nil
}

// unloadProvider disables the provider, stops its slot watch
// and releases the module
func (c *Context) unloadProvider(p *Provider) {
	p.mu.Lock()
	p.enabled.Store(false)
	th := p.watch
	p.watch = nil
	stop := p.stop
	p.mu.Unlock()

	stop.Signal()

	if p.ownsInit {
		// also releases a watch blocked in C_WaitForSlotEvent
		if err := p.module.Finalize(); err != nil {
			c.log(xlog.WARNING, "reason", "finalize", "name", p.name, "err", err.Error())
		}
	}

	th.Join()
	p.module.Destroy()
}
