package p11

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11helper/identity"
	"github.com/effective-security/p11helper/metricskey"
	"github.com/effective-security/p11helper/x/secret"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// maxDeviceRemovedRetries is the number of extra resets after a re-login,
// when the key operation reports a removed device.
// Some drivers keep finding objects after the token was removed and
// inserted again, but fail the key operations until logged out.
const maxDeviceRemovedRetries = 1

// PrivateOp is a private key operation
type PrivateOp int

// Private key operations
const (
	OpSign PrivateOp = iota
	OpSignRecover
	OpDecrypt
	OpUnwrap
)

// String returns the operation name
func (op PrivateOp) String() string {
	switch op {
	case OpSign:
		return "sign"
	case OpSignRecover:
		return "sign_recover"
	case OpDecrypt:
		return "decrypt"
	case OpUnwrap:
		return "unwrap"
	default:
		return "unknown"
	}
}

// mode returns the capability required by the operation
func (op PrivateOp) mode() PrivateMode {
	switch op {
	case OpSign:
		return PrivateSign
	case OpSignRecover:
		return PrivateSignRecover
	case OpDecrypt:
		return PrivateDecrypt
	default:
		return PrivateUnwrap
	}
}

// pendingOp is the result of an operation kept between
// the size query and the call with the output buffer
type pendingOp struct {
	op     PrivateOp
	mech   *pkcs11.Mechanism
	source []byte
	output []byte
}

func (p *pendingOp) matches(op PrivateOp, mech *pkcs11.Mechanism, source []byte) bool {
	return p.op == op &&
		p.mech.Mechanism == mech.Mechanism &&
		bytes.Equal(p.mech.Parameter, mech.Parameter) &&
		bytes.Equal(p.source, source)
}

func (p *pendingOp) destroy() {
	secret.Zero(p.output)
	p.output = nil
}

// Certificate is a handle of a certificate and its private key on a token.
//
// Operations on the same Certificate must be serialized by the caller,
// a multi-step operation should hold LockSession.
type Certificate struct {
	ctx     *Context
	id      *identity.Certificate
	session *Session

	sessionLocked atomic.Bool
	freed         atomic.Bool

	mu sync.Mutex
	// object handles are valid only for the session generation they were found in
	key       pkcs11.ObjectHandle
	keyGen    uint64
	cert      pkcs11.ObjectHandle
	certGen   uint64
	mask      PrivateMode
	maskKnown bool
	pending   *pendingOp

	userData   any
	promptMask PromptMask
}

// NewCertificate returns a handle of the certificate.
// A finite pinCachePeriod shortens the PIN cache of the token session,
// that is shared by all certificates on the token.
func (c *Context) NewCertificate(id *identity.Certificate, userData any, mask PromptMask, pinCachePeriod time.Duration) (*Certificate, error) {
	if err := c.checkActive(); err != nil {
		return nil, err
	}
	if id == nil || id.Token == nil || len(id.ID) == 0 {
		return nil, errors.WithMessage(ErrInvalidArgument, "certificate identity is required")
	}

	s := c.getSession(id.Token)

	s.mu.Lock()
	s.shortenPINCache(pinCachePeriod)
	s.mu.Unlock()

	return &Certificate{
		ctx:        c,
		id:         id.Clone(),
		session:    s,
		key:        invalidObjectHandle,
		cert:       invalidObjectHandle,
		userData:   userData,
		promptMask: mask,
	}, nil
}

// shortenPINCache sets the cache period to the shortest one of all handles,
// moving the expiry by the difference. Must be called with s.mu held.
func (s *Session) shortenPINCache(period time.Duration) {
	if period < 0 {
		return
	}
	if s.pinCachePeriod >= 0 && s.pinCachePeriod <= period {
		return
	}

	switch {
	case s.pinCachePeriod < 0:
		if s.handle != invalidSessionHandle {
			s.pinExpire = s.ctx.Now().Add(period)
		}
	case !s.pinExpire.IsZero():
		s.pinExpire = s.pinExpire.Add(period - s.pinCachePeriod)
	}
	s.pinCachePeriod = period
}

// ID returns the certificate identity
func (c *Certificate) ID() *identity.Certificate {
	return c.id.Clone()
}

// Session returns the token session
func (c *Certificate) Session() *Session {
	return c.session
}

// UserData returns the data passed to prompts
func (c *Certificate) UserData() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userData
}

// SetUserData sets the data passed to prompts
func (c *Certificate) SetUserData(data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userData = data
}

// PromptMask returns the allowed prompts
func (c *Certificate) PromptMask() PromptMask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.promptMask
}

// SetPromptMask sets the allowed prompts
func (c *Certificate) SetPromptMask(mask PromptMask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promptMask = mask
}

// LockSession locks the token session for a multi-step operation,
// the operations of this handle do not lock it again until ReleaseSession
func (c *Certificate) LockSession() {
	c.session.mu.Lock()
	c.sessionLocked.Store(true)
}

// ReleaseSession unlocks the session locked by LockSession
func (c *Certificate) ReleaseSession() {
	if c.sessionLocked.Swap(false) {
		c.session.mu.Unlock()
	}
}

// holdSession locks the session for a multi-step operation,
// unless already held by LockSession
func (c *Certificate) holdSession() func() {
	if c.sessionLocked.Load() {
		return func() {}
	}
	c.LockSession()
	return c.ReleaseSession
}

// lockSession locks the session unless held by LockSession,
// and returns the unlock function
func (c *Certificate) lockSession() func() {
	if c.sessionLocked.Load() {
		return func() {}
	}
	c.session.mu.Lock()
	return c.session.mu.Unlock
}

// Free releases the handle. The shared session is kept.
func (c *Certificate) Free() {
	if c.freed.Swap(true) {
		return
	}
	c.ReleaseSession()

	c.mu.Lock()
	if c.pending != nil {
		c.pending.destroy()
		c.pending = nil
	}
	c.mu.Unlock()

	c.session.release()
}

func (c *Certificate) checkUsable() error {
	if err := c.ctx.checkActive(); err != nil {
		return err
	}
	if c.freed.Load() {
		return errors.WithMessage(ErrInvalidArgument, "certificate handle is released")
	}
	return nil
}

// Do performs the private key operation.
//
// With nil target, Do returns the size of the output and keeps the result
// for the next call with the same arguments. When target is too short,
// the size is returned with ErrBufferTooSmall.
func (c *Certificate) Do(op PrivateOp, mech *pkcs11.Mechanism, source, target []byte) (int, error) {
	if err := c.checkUsable(); err != nil {
		return 0, err
	}
	if mech == nil {
		return 0, errors.WithMessage(ErrInvalidArgument, "mechanism is required")
	}

	unlock := c.lockSession()
	defer unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.do(op, mech, source, target)
}

// do must be called with the session and c.mu held
func (c *Certificate) do(op PrivateOp, mech *pkcs11.Mechanism, source, target []byte) (int, error) {
	out, err := c.private(op, mech, source)
	if err != nil {
		return 0, err
	}

	n := len(out)
	if target == nil || len(target) < n {
		if op == OpUnwrap {
			// unwrap can not be resumed
			secret.Zero(out)
		} else {
			c.pending = &pendingOp{
				op:     op,
				mech:   mech,
				source: bytes.Clone(source),
				output: out,
			}
		}
		if target == nil {
			return n, nil
		}
		return n, errors.WithMessagef(ErrBufferTooSmall, "%s requires %d bytes", op, n)
	}

	copy(target, out)
	secret.Zero(out)
	return n, nil
}

// private runs the operation with one re-login on failure.
// Must be called with the session and c.mu held.
func (c *Certificate) private(op PrivateOp, mech *pkcs11.Mechanism, source []byte) ([]byte, error) {
	if p := c.pending; p != nil {
		c.pending = nil
		if p.matches(op, mech, source) {
			return p.output, nil
		}
		p.destroy()
	}

	relogged := false
	removedRetries := 0
	for {
		out, err := c.tryPrivate(op, mech, source)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrCapabilityUnsupported) || errors.Is(err, ErrInvalidArgument) {
			return nil, err
		}

		switch {
		case !relogged:
			relogged = true
		case errors.Is(err, ErrDeviceRemoved) && removedRetries < maxDeviceRemovedRetries:
			removedRetries++
			c.session.logout()
		default:
			c.ctx.log(xlog.ERROR, "reason", "private_op",
				"op", op.String(),
				"cert", c.id.Display,
				"err", err.Error())
			return nil, err
		}

		c.ctx.log(xlog.DEBUG, "reason", "private_op_retry",
			"op", op.String(),
			"cert", c.id.Display,
			"err", err.Error())

		if err = c.resetSession(); err != nil {
			return nil, err
		}
	}
}

// tryPrivate performs the operation on the current session
func (c *Certificate) tryPrivate(op PrivateOp, mech *pkcs11.Mechanism, source []byte) ([]byte, error) {
	s := c.session
	if err := s.validate(); err != nil {
		return nil, err
	}
	key, err := c.keyHandle()
	if err != nil {
		return nil, err
	}

	p := s.provider
	m := p.module
	mechs := []*pkcs11.Mechanism{mech}

	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), p.name, op.String())

	switch op {
	case OpSign:
		if err = m.SignInit(s.handle, mechs, key); err != nil {
			return nil, wrapRV(err, "C_SignInit")
		}
		out, err := m.Sign(s.handle, source)
		return out, wrapRV(err, "C_Sign")
	case OpSignRecover:
		if err = m.SignRecoverInit(s.handle, mechs, key); err != nil {
			return nil, wrapRV(err, "C_SignRecoverInit")
		}
		out, err := m.SignRecover(s.handle, source)
		return out, wrapRV(err, "C_SignRecover")
	case OpDecrypt:
		if err = m.DecryptInit(s.handle, mechs, key); err != nil {
			return nil, wrapRV(err, "C_DecryptInit")
		}
		out, err := m.Decrypt(s.handle, source)
		return out, wrapRV(err, "C_Decrypt")
	case OpUnwrap:
		return c.unwrap(mechs, key, source)
	default:
		return nil, errors.WithMessagef(ErrInvalidArgument, "unsupported operation: %d", op)
	}
}

// unwrap recovers the wrapped value into a session secret key,
// reads it back and destroys the key object
func (c *Certificate) unwrap(mechs []*pkcs11.Mechanism, key pkcs11.ObjectHandle, wrapped []byte) ([]byte, error) {
	s := c.session
	m := s.provider.module

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, false),
	}

	obj, err := m.UnwrapKey(s.handle, mechs, key, wrapped, template)
	if err != nil {
		return nil, wrapRV(err, "C_UnwrapKey")
	}
	defer func() {
		if derr := m.DestroyObject(s.handle, obj); derr != nil {
			c.ctx.log(xlog.WARNING, "reason", "destroy_unwrapped", "err", derr.Error())
		}
	}()

	attrs, err := m.GetAttributeValue(s.handle, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, wrapRV(err, "C_GetAttributeValue")
	}
	if len(attrs) == 0 {
		return nil, errors.WithMessage(ErrObjectNotFound, "unwrapped key has no value")
	}
	return attrs[0].Value, nil
}

// keyHandle returns the private key of the current session generation.
// Must be called with the session and c.mu held.
func (c *Certificate) keyHandle() (pkcs11.ObjectHandle, error) {
	s := c.session
	if c.key != invalidObjectHandle && c.keyGen == s.generation {
		return c.key, nil
	}
	h, err := s.getObjectByID(pkcs11.CKO_PRIVATE_KEY, c.id.ID)
	if err != nil {
		return invalidObjectHandle, errors.WithMessagef(err, "private key %s", c.id.HexID())
	}
	c.key = h
	c.keyGen = s.generation
	return h, nil
}

// certHandle returns the certificate object of the current session generation.
// Must be called with the session and c.mu held.
func (c *Certificate) certHandle() (pkcs11.ObjectHandle, error) {
	s := c.session
	if c.cert != invalidObjectHandle && c.certGen == s.generation {
		return c.cert, nil
	}
	h, err := s.getObjectByID(pkcs11.CKO_CERTIFICATE, c.id.ID)
	if err != nil {
		return invalidObjectHandle, errors.WithMessagef(err, "certificate %s", c.id.HexID())
	}
	c.cert = h
	c.certGen = s.generation
	return h, nil
}

// resetSession forces a full login.
// Must be called with the session and c.mu held.
func (c *Certificate) resetSession() error {
	c.key = invalidObjectHandle
	c.cert = invalidObjectHandle
	return c.session.login(false, false, c.userData, c.promptMask)
}

// ensureKeyAccess resolves the private key, logging in only
// when the current session can not be used
func (c *Certificate) ensureKeyAccess() (pkcs11.ObjectHandle, error) {
	if err := c.session.validate(); err == nil {
		if h, err := c.keyHandle(); err == nil {
			return h, nil
		}
	}
	if err := c.resetSession(); err != nil {
		return invalidObjectHandle, err
	}
	return c.keyHandle()
}

// ensureCertificateAccess resolves the certificate object, logging in only
// when the current session can not be used
func (c *Certificate) ensureCertificateAccess() (pkcs11.ObjectHandle, error) {
	s := c.session
	if err := s.validate(); err == nil {
		if h, err := c.certHandle(); err == nil {
			return h, nil
		}
	}
	c.cert = invalidObjectHandle
	if err := s.login(true, true, c.userData, c.promptMask); err != nil {
		return invalidObjectHandle, err
	}
	return c.certHandle()
}

// Blob returns DER encoded certificate
func (c *Certificate) Blob() ([]byte, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}

	unlock := c.lockSession()
	defer unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.id.Blob) > 0 {
		return bytes.Clone(c.id.Blob), nil
	}

	h, err := c.ensureCertificateAccess()
	if err != nil {
		return nil, err
	}
	s := c.session
	attrs, err := s.provider.module.GetAttributeValue(s.handle, h, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, wrapRV(err, "C_GetAttributeValue")
	}
	if len(attrs) == 0 || len(attrs[0].Value) == 0 {
		return nil, errors.WithMessagef(ErrObjectNotFound, "certificate %s has no value", c.id.HexID())
	}
	c.id.Blob = bytes.Clone(attrs[0].Value)
	return attrs[0].Value, nil
}

// Capabilities returns the private key capabilities
func (c *Certificate) Capabilities() (PrivateMode, error) {
	if err := c.checkUsable(); err != nil {
		return 0, err
	}

	unlock := c.lockSession()
	defer unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.capabilities()
}

var capabilityAttributes = []struct {
	attr uint
	mode PrivateMode
}{
	{pkcs11.CKA_SIGN, PrivateSign},
	{pkcs11.CKA_SIGN_RECOVER, PrivateSignRecover},
	{pkcs11.CKA_DECRYPT, PrivateDecrypt},
	{pkcs11.CKA_UNWRAP, PrivateUnwrap},
}

// capabilities discovers the capabilities once, from the provider policy
// or the key attributes. Must be called with the session and c.mu held.
func (c *Certificate) capabilities() (PrivateMode, error) {
	if c.maskKnown {
		return c.mask, nil
	}

	key, err := c.ensureKeyAccess()
	if err != nil {
		return 0, err
	}

	s := c.session
	mask := s.provider.opts.PrivateMask
	if mask == PrivateAuto {
		for _, ca := range capabilityAttributes {
			// attributes are read one by one,
			// as some tokens fail the whole template for one unknown attribute
			attrs, err := s.provider.module.GetAttributeValue(s.handle, key, []*pkcs11.Attribute{
				pkcs11.NewAttribute(ca.attr, nil),
			})
			if err != nil || len(attrs) == 0 {
				continue
			}
			if v := attrs[0].Value; len(v) > 0 && v[0] != 0 {
				mask |= ca.mode
			}
		}
	}

	if mask == 0 {
		return 0, errors.WithMessagef(ErrCapabilityUnsupported, "private key %s has no capabilities", c.id.HexID())
	}

	c.mask = mask
	c.maskKnown = true
	return mask, nil
}

// doAny tries the operations in order, narrowing the cached capabilities
// on each unsupported one
func (c *Certificate) doAny(ops []PrivateOp, mech *pkcs11.Mechanism, source, target []byte) (int, error) {
	if err := c.checkUsable(); err != nil {
		return 0, err
	}
	if mech == nil {
		return 0, errors.WithMessage(ErrInvalidArgument, "mechanism is required")
	}

	unlock := c.lockSession()
	defer unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	mask, err := c.capabilities()
	if err != nil {
		return 0, err
	}

	for _, op := range ops {
		if mask&op.mode() == 0 {
			continue
		}
		n, err := c.do(op, mech, source, target)
		if errors.Is(err, ErrCapabilityUnsupported) {
			c.mask &^= op.mode()
			mask = c.mask
			c.ctx.log(xlog.DEBUG, "reason", "capability_unsupported",
				"op", op.String(),
				"cert", c.id.Display)
			continue
		}
		return n, err
	}
	return 0, errors.WithMessagef(ErrCapabilityUnsupported, "private key %s", c.id.HexID())
}

// SignAny signs with the first supported of sign and sign-recover
func (c *Certificate) SignAny(mech *pkcs11.Mechanism, source, target []byte) (int, error) {
	return c.doAny([]PrivateOp{OpSign, OpSignRecover}, mech, source, target)
}

// DecryptAny decrypts with the first supported of decrypt and unwrap
func (c *Certificate) DecryptAny(mech *pkcs11.Mechanism, source, target []byte) (int, error) {
	return c.doAny([]PrivateOp{OpDecrypt, OpUnwrap}, mech, source, target)
}

// twoCall performs the size query and the operation,
// the session is held for both calls
func (c *Certificate) twoCall(fn func(target []byte) (int, error)) ([]byte, error) {
	n, err := fn(nil)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	n, err = fn(out)
	if err != nil {
		secret.Zero(out)
		return nil, err
	}
	return out[:n], nil
}

func (c *Certificate) run(op PrivateOp, mech *pkcs11.Mechanism, source []byte) ([]byte, error) {
	release := c.holdSession()
	defer release()
	return c.twoCall(func(target []byte) (int, error) {
		return c.Do(op, mech, source, target)
	})
}

// Sign returns signature of data
func (c *Certificate) Sign(mech *pkcs11.Mechanism, data []byte) ([]byte, error) {
	return c.run(OpSign, mech, data)
}

// SignRecover returns signature of data, with data recoverable from it
func (c *Certificate) SignRecover(mech *pkcs11.Mechanism, data []byte) ([]byte, error) {
	return c.run(OpSignRecover, mech, data)
}

// Decrypt returns decrypted data
func (c *Certificate) Decrypt(mech *pkcs11.Mechanism, data []byte) ([]byte, error) {
	return c.run(OpDecrypt, mech, data)
}

// Unwrap returns the value of the wrapped key
func (c *Certificate) Unwrap(mech *pkcs11.Mechanism, data []byte) ([]byte, error) {
	return c.run(OpUnwrap, mech, data)
}

// SignData returns signature of data, with any supported sign operation
func (c *Certificate) SignData(mech *pkcs11.Mechanism, data []byte) ([]byte, error) {
	release := c.holdSession()
	defer release()
	return c.twoCall(func(target []byte) (int, error) {
		return c.SignAny(mech, data, target)
	})
}

// DecryptData returns decrypted data, with any supported decrypt operation
func (c *Certificate) DecryptData(mech *pkcs11.Mechanism, data []byte) ([]byte, error) {
	release := c.holdSession()
	defer release()
	return c.twoCall(func(target []byte) (int, error) {
		return c.DecryptAny(mech, data, target)
	})
}
