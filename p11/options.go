package p11

import (
	"time"

	"github.com/effective-security/p11helper/engine"
	"github.com/effective-security/p11helper/identity"
	"github.com/effective-security/xlog"
)

// PINCacheInfinite is the PIN cache period that never expires
const PINCacheInfinite = time.Duration(-1)

// DefaultMaxLoginRetries is the default number of login attempts
const DefaultMaxLoginRetries = 3

// PromptMask specifies which prompts are allowed during an operation
type PromptMask uint

// Prompt masks
const (
	// PromptAllowPIN allows to prompt for PIN
	PromptAllowPIN PromptMask = 1 << iota
	// PromptAllowToken allows to prompt for token insertion
	PromptAllowToken

	// PromptNone disables all prompts
	PromptNone PromptMask = 0
	// PromptAllowAll allows all prompts
	PromptAllowAll = PromptAllowPIN | PromptAllowToken
)

// LogFunc receives log records of the context
type LogFunc func(data any, level xlog.LogLevel, msg string)

// SlotEventFunc is called when a token is inserted or removed
type SlotEventFunc func(data any)

// TokenPromptFunc asks the user to insert the token.
// retry starts from 0 and increases on each prompt of the same operation.
// Returning false cancels the operation.
type TokenPromptFunc func(globalData, userData any, token *identity.Token, retry int) bool

// PINPromptFunc asks the user for the token PIN.
// Returning false cancels the operation.
// The returned PIN is zeroed after the login attempt.
type PINPromptFunc func(globalData, userData any, token *identity.Token, retry int) ([]byte, bool)

type options struct {
	engine          engine.Engine
	clock           func() time.Time
	loader          ModuleLoader
	pinCachePeriod  time.Duration
	maxLoginRetries int
	protectedAuth   bool
}

var defaultOptions = options{
	clock:           time.Now,
	loader:          LoadModule,
	pinCachePeriod:  PINCacheInfinite,
	maxLoginRetries: DefaultMaxLoginRetries,
	protectedAuth:   true,
}

// An Option configures Context
type Option func(*options)

// WithEngine specifies the certificate engine,
// by default engine.DefaultName is used
func WithEngine(e engine.Engine) Option {
	return func(o *options) {
		o.engine = e
	}
}

// WithClock specifies the time source of PIN cache and certificate validity
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithModuleLoader specifies the loader of provider modules
func WithModuleLoader(loader ModuleLoader) Option {
	return func(o *options) {
		o.loader = loader
	}
}

// WithPINCachePeriod specifies the default PIN cache period of new sessions
func WithPINCachePeriod(period time.Duration) Option {
	return func(o *options) {
		o.pinCachePeriod = period
	}
}

// WithMaxLoginRetries specifies the number of login attempts
func WithMaxLoginRetries(retries int) Option {
	return func(o *options) {
		o.maxLoginRetries = retries
	}
}

// WithProtectedAuthentication allows login on the token's own PIN pad
func WithProtectedAuthentication(allow bool) Option {
	return func(o *options) {
		o.protectedAuth = allow
	}
}
