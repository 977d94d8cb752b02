// Package p11 provides access to PKCS#11 tokens: provider modules,
// token sessions with PIN caching and re-login, private key operations
// with certificates stored on tokens, and slot event notifications.
//
// A Context owns all state. Sessions are shared between certificate
// handles of the same token, and are kept for the lifetime of the Context
// to preserve the login and the cached certificates.
//
// Locks are always acquired in this order:
// provider registry, session table, certificate cache,
// a session, a certificate.
package p11

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11helper/engine"
	"github.com/effective-security/p11helper/identity"
	"github.com/effective-security/xlog"

	// default engine
	_ "github.com/effective-security/p11helper/engine/x509engine"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11helper", "p11")

// Context is the state of the token layer
type Context struct {
	engine engine.Engine
	clock  func() time.Time
	loader ModuleLoader

	pinCachePeriod  atomic.Int64
	maxLoginRetries atomic.Int32
	protectedAuth   atomic.Bool

	hookLock        sync.RWMutex
	logHook         LogFunc
	logData         any
	slotEventHook   SlotEventFunc
	slotEventData   any
	tokenPromptHook TokenPromptFunc
	tokenPromptData any
	pinPromptHook   PINPromptFunc
	pinPromptData   any

	regLock   sync.Mutex
	providers atomic.Pointer[[]*Provider]
	monitor   *slotEventMonitor

	sessLock sync.Mutex
	sessions []*Session

	certLock sync.Mutex

	terminated atomic.Bool
}

// New returns new Context
func New(opts ...Option) (*Context, error) {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := o.engine
	if e == nil {
		var err error
		e, err = engine.New(engine.DefaultName)
		if err != nil {
			return nil, err
		}
	}
	if err := e.Init(); err != nil {
		return nil, errors.WithMessagef(err, "unable to initialize engine %s", e.Name())
	}

	c := &Context{
		engine: e,
		clock:  o.clock,
		loader: o.loader,
	}
	c.pinCachePeriod.Store(int64(o.pinCachePeriod))
	c.maxLoginRetries.Store(int32(o.maxLoginRetries))
	c.protectedAuth.Store(o.protectedAuth)
	c.providers.Store(&[]*Provider{})

	logger.KV(xlog.DEBUG, "status", "initialized", "engine", e.Name())
	return c, nil
}

// Terminate logs out all sessions, unloads all providers
// and releases the engine. The Context can not be used after Terminate.
func (c *Context) Terminate() error {
	if c.terminated.Swap(true) {
		return nil
	}

	c.regLock.Lock()
	mon := c.monitor
	c.monitor = nil
	c.regLock.Unlock()
	if mon != nil {
		mon.stop()
	}

	// sessions first, as logout needs the modules
	c.sessLock.Lock()
	for _, s := range c.sessions {
		s.mu.Lock()
		s.logout()
		s.mu.Unlock()
	}
	c.sessions = nil
	c.sessLock.Unlock()

	c.regLock.Lock()
	list := c.providerList()
	c.providers.Store(&[]*Provider{})
	c.regLock.Unlock()

	for _, p := range list {
		c.unloadProvider(p)
	}

	if mon != nil {
		mon.join()
	}

	err := c.engine.Uninit()
	if err != nil {
		return errors.WithMessagef(err, "unable to release engine %s", c.engine.Name())
	}

	logger.KV(xlog.DEBUG, "status", "terminated")
	return nil
}

func (c *Context) checkActive() error {
	if c == nil || c.terminated.Load() {
		return ErrNotInitialized
	}
	return nil
}

// Engine returns the certificate engine
func (c *Context) Engine() engine.Engine {
	return c.engine
}

// Now returns the current time of the Context clock
func (c *Context) Now() time.Time {
	return c.clock()
}

// SetPINCachePeriod sets the PIN cache period of new sessions
func (c *Context) SetPINCachePeriod(period time.Duration) {
	c.pinCachePeriod.Store(int64(period))
}

// PINCachePeriod returns the PIN cache period of new sessions
func (c *Context) PINCachePeriod() time.Duration {
	return time.Duration(c.pinCachePeriod.Load())
}

// SetMaxLoginRetries sets the number of login attempts
func (c *Context) SetMaxLoginRetries(retries int) {
	c.maxLoginRetries.Store(int32(retries))
}

// MaxLoginRetries returns the number of login attempts
func (c *Context) MaxLoginRetries() int {
	n := int(c.maxLoginRetries.Load())
	if n < 1 {
		n = 1
	}
	return n
}

// SetProtectedAuthentication allows or disallows login on the token's PIN pad
func (c *Context) SetProtectedAuthentication(allow bool) {
	c.protectedAuth.Store(allow)
}

// ProtectedAuthentication returns true if login on the token's PIN pad is allowed
func (c *Context) ProtectedAuthentication() bool {
	return c.protectedAuth.Load()
}

// SetLogHook sets the receiver of log records
func (c *Context) SetLogHook(hook LogFunc, data any) {
	c.hookLock.Lock()
	defer c.hookLock.Unlock()
	c.logHook = hook
	c.logData = data
}

// SetTokenPromptHook sets the token insertion prompt
func (c *Context) SetTokenPromptHook(hook TokenPromptFunc, data any) {
	c.hookLock.Lock()
	defer c.hookLock.Unlock()
	c.tokenPromptHook = hook
	c.tokenPromptData = data
}

// SetPINPromptHook sets the PIN prompt
func (c *Context) SetPINPromptHook(hook PINPromptFunc, data any) {
	c.hookLock.Lock()
	defer c.hookLock.Unlock()
	c.pinPromptHook = hook
	c.pinPromptData = data
}

// SetSlotEventHook sets the slot event receiver,
// and starts monitoring of slot events
func (c *Context) SetSlotEventHook(hook SlotEventFunc, data any) error {
	if err := c.checkActive(); err != nil {
		return err
	}

	c.hookLock.Lock()
	c.slotEventHook = hook
	c.slotEventData = data
	c.hookLock.Unlock()

	c.regLock.Lock()
	defer c.regLock.Unlock()
	if c.monitor == nil && hook != nil {
		c.monitor = newSlotEventMonitor(c)
		c.monitor.start()
	}
	return nil
}

func (c *Context) log(level xlog.LogLevel, kv ...any) {
	logger.KV(level, kv...)

	c.hookLock.RLock()
	hook, data := c.logHook, c.logData
	c.hookLock.RUnlock()

	if hook != nil {
		hook(data, level, formatKV(kv))
	}
}

func formatKV(kv []any) string {
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%v=", kv[i])
		if i+1 < len(kv) {
			fmt.Fprintf(&b, "%v", kv[i+1])
		}
	}
	return b.String()
}

func (c *Context) promptToken(userData any, token *identity.Token, retry int) bool {
	c.hookLock.RLock()
	hook, data := c.tokenPromptHook, c.tokenPromptData
	c.hookLock.RUnlock()

	if hook == nil {
		return false
	}
	return hook(data, userData, token, retry)
}

func (c *Context) promptPIN(userData any, token *identity.Token, retry int) ([]byte, bool) {
	c.hookLock.RLock()
	hook, data := c.pinPromptHook, c.pinPromptData
	c.hookLock.RUnlock()

	if hook == nil {
		return nil, false
	}
	return hook(data, userData, token, retry)
}

func (c *Context) notifySlotEvent() {
	c.hookLock.RLock()
	hook, data := c.slotEventHook, c.slotEventData
	c.hookLock.RUnlock()

	if hook != nil {
		hook(data)
	}
}

var (
	defaultLock sync.Mutex
	defaultCtx  *Context
)

// Initialize creates the process-wide Context.
// An existing one is terminated first.
func Initialize(opts ...Option) (*Context, error) {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultCtx != nil {
		if err := defaultCtx.Terminate(); err != nil {
			logger.KV(xlog.WARNING, "reason", "terminate", "err", err.Error())
		}
		defaultCtx = nil
	}

	c, err := New(opts...)
	if err != nil {
		return nil, err
	}
	defaultCtx = c
	return c, nil
}

// Default returns the process-wide Context, or nil if not initialized
func Default() *Context {
	defaultLock.Lock()
	defer defaultLock.Unlock()
	return defaultCtx
}

// Terminate releases the process-wide Context
func Terminate() error {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultCtx == nil {
		return nil
	}
	err := defaultCtx.Terminate()
	defaultCtx = nil
	return err
}
