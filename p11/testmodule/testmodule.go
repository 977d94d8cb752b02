// Package testmodule provides an in-memory PKCS#11 module for tests.
//
// The module implements the function table used by the p11 package,
// with RSA keys stored in memory, certificate objects, PIN checks,
// token insertion and removal, and injection of failures.
package testmodule

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"sync"

	"github.com/effective-security/p11helper/x/secret"
	"github.com/miekg/pkcs11"
)

// Object is a token object
type Object struct {
	Class uint
	ID    []byte
	Label string
	// Value is DER of a certificate, or the value of a secret key
	Value []byte
	// Key is the private key of CKO_PRIVATE_KEY object
	Key *rsa.PrivateKey

	Sign        bool
	SignRecover bool
	Decrypt     bool
	Unwrap      bool

	// Private objects are visible only after login
	Private bool

	handle  pkcs11.ObjectHandle
	session pkcs11.SessionHandle
}

func (o *Object) attribute(typ uint) (*pkcs11.Attribute, bool) {
	switch typ {
	case pkcs11.CKA_CLASS:
		return pkcs11.NewAttribute(typ, o.Class), true
	case pkcs11.CKA_ID:
		return pkcs11.NewAttribute(typ, o.ID), true
	case pkcs11.CKA_LABEL:
		return pkcs11.NewAttribute(typ, o.Label), true
	case pkcs11.CKA_TOKEN:
		return pkcs11.NewAttribute(typ, o.session == 0), true
	case pkcs11.CKA_PRIVATE:
		return pkcs11.NewAttribute(typ, o.Private), true
	case pkcs11.CKA_VALUE:
		if o.Class == pkcs11.CKO_PRIVATE_KEY {
			return nil, false
		}
		return pkcs11.NewAttribute(typ, o.Value), true
	}
	if o.Class != pkcs11.CKO_PRIVATE_KEY {
		return nil, false
	}
	switch typ {
	case pkcs11.CKA_SIGN:
		return pkcs11.NewAttribute(typ, o.Sign), true
	case pkcs11.CKA_SIGN_RECOVER:
		return pkcs11.NewAttribute(typ, o.SignRecover), true
	case pkcs11.CKA_DECRYPT:
		return pkcs11.NewAttribute(typ, o.Decrypt), true
	case pkcs11.CKA_UNWRAP:
		return pkcs11.NewAttribute(typ, o.Unwrap), true
	}
	return nil, false
}

func (o *Object) matches(template []*pkcs11.Attribute) bool {
	for _, t := range template {
		a, ok := o.attribute(t.Type)
		if !ok || !bytes.Equal(a.Value, t.Value) {
			return false
		}
	}
	return true
}

// Token is a token that can be inserted in a slot
type Token struct {
	Label        string
	Manufacturer string
	Model        string
	Serial       string
	PIN          []byte
	// ProtectedAuth specifies that the token has its own PIN pad,
	// and accepts login without PIN
	ProtectedAuth bool

	objects  []*Object
	loggedIn bool
}

// NewToken returns a token with the PIN
func NewToken(label, serial, pin string) *Token {
	return &Token{
		Label:        label,
		Manufacturer: "p11helper",
		Model:        "memory",
		Serial:       serial,
		PIN:          []byte(pin),
	}
}

// AddObject adds the object to the token
func (t *Token) AddObject(o *Object) *Token {
	t.objects = append(t.objects, o)
	return t
}

// AddCertificate adds a certificate object
func (t *Token) AddCertificate(id, der []byte) *Token {
	return t.AddObject(&Object{
		Class: pkcs11.CKO_CERTIFICATE,
		ID:    id,
		Value: der,
	})
}

// AddKey adds a private key object with all capabilities
func (t *Token) AddKey(id []byte, key *rsa.PrivateKey) *Token {
	return t.AddObject(&Object{
		Class:       pkcs11.CKO_PRIVATE_KEY,
		ID:          id,
		Key:         key,
		Sign:        true,
		SignRecover: true,
		Decrypt:     true,
		Unwrap:      true,
		Private:     true,
	})
}

func (t *Token) info() pkcs11.TokenInfo {
	flags := uint(pkcs11.CKF_LOGIN_REQUIRED | pkcs11.CKF_TOKEN_INITIALIZED | pkcs11.CKF_USER_PIN_INITIALIZED)
	if t.ProtectedAuth {
		flags |= pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH
	}
	return pkcs11.TokenInfo{
		Label:          pad(t.Label, 32),
		ManufacturerID: pad(t.Manufacturer, 32),
		Model:          pad(t.Model, 16),
		SerialNumber:   pad(t.Serial, 16),
		Flags:          flags,
	}
}

// pad returns the fixed-width form of module strings
func pad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

type slot struct {
	id    uint
	token *Token
}

type operation struct {
	kind uint
	key  *Object
}

type session struct {
	slot     *slot
	token    *Token
	rw       bool
	found    []pkcs11.ObjectHandle
	findPos  int
	findOpen bool
	op       *operation
}

type failure struct {
	rv    uint
	count int
}

// Module is an in-memory PKCS#11 module
type Module struct {
	// Manufacturer is returned by GetInfo
	Manufacturer string
	// BrokenFind makes FindObjects return the same objects forever
	BrokenFind bool
	// NoSlotEvents makes WaitForSlotEvent report CKR_FUNCTION_NOT_SUPPORTED
	NoSlotEvents bool

	mu          sync.Mutex
	initialized bool
	destroyed   bool
	slots       []*slot
	sessions    map[pkcs11.SessionHandle]*session
	objects     map[pkcs11.ObjectHandle]*Object
	nextHandle  uint
	events      chan uint
	done        chan struct{}
	failures    map[string]*failure
	calls       map[string]int
}

// New returns a module with the number of empty slots
func New(slots int) *Module {
	m := &Module{
		Manufacturer: "p11helper",
		sessions:     make(map[pkcs11.SessionHandle]*session),
		objects:      make(map[pkcs11.ObjectHandle]*Object),
		events:       make(chan uint, 64),
		done:         make(chan struct{}),
		failures:     make(map[string]*failure),
		calls:        make(map[string]int),
		nextHandle:   1,
	}
	for i := 0; i < slots; i++ {
		m.slots = append(m.slots, &slot{id: uint(i)})
	}
	return m
}

// Fail makes the next count calls of the function fail with rv,
// negative count fails all calls
func (m *Module) Fail(function string, rv uint, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[function] = &failure{rv: rv, count: count}
}

// Calls returns the number of calls of the function
func (m *Module) Calls(function string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[function]
}

// Initialized returns true if the module is initialized
func (m *Module) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Destroyed returns true if Destroy was called
func (m *Module) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// OpenSessions returns the number of open sessions
func (m *Module) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// InsertToken inserts the token in the slot, and reports a slot event
func (m *Module) InsertToken(slotID uint, t *Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range t.objects {
		if o.handle == 0 {
			o.handle = m.newHandle()
		}
		m.objects[o.handle] = o
	}
	m.slots[slotID].token = t
	m.event(slotID)
}

// RemoveToken removes the token from the slot, closes its sessions,
// and reports a slot event
func (m *Module) RemoveToken(slotID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slots[slotID]
	if s.token == nil {
		return
	}
	for h, sess := range m.sessions {
		if sess.slot == s {
			delete(m.sessions, h)
		}
	}
	for _, o := range s.token.objects {
		delete(m.objects, o.handle)
	}
	s.token.loggedIn = false
	s.token = nil
	m.event(slotID)
}

// event must be called with m.mu held
func (m *Module) event(slotID uint) {
	select {
	case m.events <- slotID:
	default:
	}
}

// newHandle must be called with m.mu held
func (m *Module) newHandle() pkcs11.ObjectHandle {
	h := m.nextHandle
	m.nextHandle++
	return pkcs11.ObjectHandle(h)
}

// enter counts the call and returns the injected failure, if any.
// Must be called with m.mu held.
func (m *Module) enter(function string) error {
	m.calls[function]++
	if f := m.failures[function]; f != nil && f.count != 0 {
		if f.count > 0 {
			f.count--
		}
		return pkcs11.Error(f.rv)
	}
	if !m.initialized && function != "Initialize" {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	return nil
}

func (m *Module) session(sh pkcs11.SessionHandle) (*session, error) {
	s, ok := m.sessions[sh]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	return s, nil
}

// Initialize initializes the module
func (m *Module) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Initialize"); err != nil {
		return err
	}
	if m.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)
	}
	m.initialized = true
	m.done = make(chan struct{})
	return nil
}

// Finalize releases sessions, and the blocked WaitForSlotEvent
func (m *Module) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Finalize"); err != nil {
		return err
	}
	m.initialized = false
	clear(m.sessions)
	for _, s := range m.slots {
		if s.token != nil {
			s.token.loggedIn = false
		}
	}
	close(m.done)
	return nil
}

// Destroy unloads the module
func (m *Module) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Destroy"]++
	m.destroyed = true
}

// GetInfo returns the module information
func (m *Module) GetInfo() (pkcs11.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetInfo"); err != nil {
		return pkcs11.Info{}, err
	}
	return pkcs11.Info{
		CryptokiVersion: pkcs11.Version{Major: 2, Minor: 40},
		ManufacturerID:  pad(m.Manufacturer, 32),
	}, nil
}

// GetSlotList returns slot IDs
func (m *Module) GetSlotList(tokenPresent bool) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetSlotList"); err != nil {
		return nil, err
	}
	var res []uint
	for _, s := range m.slots {
		if !tokenPresent || s.token != nil {
			res = append(res, s.id)
		}
	}
	return res, nil
}

// GetSlotInfo returns the slot information
func (m *Module) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetSlotInfo"); err != nil {
		return pkcs11.SlotInfo{}, err
	}
	if slotID >= uint(len(m.slots)) {
		return pkcs11.SlotInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	flags := uint(pkcs11.CKF_REMOVABLE_DEVICE)
	if m.slots[slotID].token != nil {
		flags |= pkcs11.CKF_TOKEN_PRESENT
	}
	return pkcs11.SlotInfo{
		SlotDescription: pad("memory slot", 64),
		ManufacturerID:  pad(m.Manufacturer, 32),
		Flags:           flags,
	}, nil
}

// GetTokenInfo returns information of the token in the slot
func (m *Module) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetTokenInfo"); err != nil {
		return pkcs11.TokenInfo{}, err
	}
	if slotID >= uint(len(m.slots)) {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	t := m.slots[slotID].token
	if t == nil {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	return t.info(), nil
}

// WaitForSlotEvent returns the next slot event.
// A blocking wait returns CKR_CRYPTOKI_NOT_INITIALIZED when the module
// is finalized.
func (m *Module) WaitForSlotEvent(flags uint) (uint, error) {
	m.mu.Lock()
	if err := m.enter("WaitForSlotEvent"); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if m.NoSlotEvents {
		m.mu.Unlock()
		return 0, pkcs11.Error(pkcs11.CKR_FUNCTION_NOT_SUPPORTED)
	}
	events, done := m.events, m.done
	m.mu.Unlock()

	if flags&pkcs11.CKF_DONT_BLOCK != 0 {
		select {
		case id := <-events:
			return id, nil
		default:
			return 0, pkcs11.Error(pkcs11.CKR_NO_EVENT)
		}
	}

	select {
	case id := <-events:
		return id, nil
	case <-done:
		return 0, pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
}

// OpenSession opens a session with the token in the slot
func (m *Module) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("OpenSession"); err != nil {
		return 0, err
	}
	if slotID >= uint(len(m.slots)) {
		return 0, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	s := m.slots[slotID]
	if s.token == nil {
		return 0, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	if flags&pkcs11.CKF_SERIAL_SESSION == 0 {
		return 0, pkcs11.Error(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED)
	}
	h := pkcs11.SessionHandle(m.newHandle())
	m.sessions[h] = &session{
		slot:  s,
		token: s.token,
		rw:    flags&pkcs11.CKF_RW_SESSION != 0,
	}
	return h, nil
}

// CloseSession closes the session, and logs out when it was the last one
func (m *Module) CloseSession(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CloseSession"); err != nil {
		return err
	}
	s, err := m.session(sh)
	if err != nil {
		return err
	}
	delete(m.sessions, sh)

	for h, o := range m.objects {
		if o.session == sh {
			delete(m.objects, h)
		}
	}
	for _, o := range m.sessions {
		if o.token == s.token {
			return nil
		}
	}
	s.token.loggedIn = false
	return nil
}

// Login logs in the user of the token
func (m *Module) Login(sh pkcs11.SessionHandle, userType uint, pin []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Login"); err != nil {
		return err
	}
	s, err := m.session(sh)
	if err != nil {
		return err
	}
	if userType != pkcs11.CKU_USER {
		return pkcs11.Error(pkcs11.CKR_USER_TYPE_INVALID)
	}
	if s.token.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	}
	if pin == nil && s.token.ProtectedAuth {
		s.token.loggedIn = true
		return nil
	}
	if len(pin) == 0 {
		return pkcs11.Error(pkcs11.CKR_PIN_LEN_RANGE)
	}
	if !secret.Equal(pin, s.token.PIN) {
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	s.token.loggedIn = true
	return nil
}

// Logout logs out the user of the token
func (m *Module) Logout(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Logout"); err != nil {
		return err
	}
	s, err := m.session(sh)
	if err != nil {
		return err
	}
	if !s.token.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	s.token.loggedIn = false
	return nil
}

// visible must be called with m.mu held
func (m *Module) visible(s *session, o *Object) bool {
	if o.session != 0 {
		return m.sessions[o.session] == s
	}
	if o.Private && !s.token.loggedIn {
		return false
	}
	for _, to := range s.token.objects {
		if to == o {
			return true
		}
	}
	return false
}

// FindObjectsInit starts the search
func (m *Module) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindObjectsInit"); err != nil {
		return err
	}
	s, err := m.session(sh)
	if err != nil {
		return err
	}
	if s.findOpen {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}

	s.found = nil
	s.findPos = 0
	s.findOpen = true
	// the token objects first, in the order they were added
	for _, o := range s.token.objects {
		if m.visible(s, o) && o.matches(temp) {
			s.found = append(s.found, o.handle)
		}
	}
	for h, o := range m.objects {
		if o.session == sh && o.matches(temp) {
			s.found = append(s.found, h)
		}
	}
	return nil
}

// FindObjects returns the next handles
func (m *Module) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindObjects"); err != nil {
		return nil, false, err
	}
	s, err := m.session(sh)
	if err != nil {
		return nil, false, err
	}
	if !s.findOpen {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}

	end := min(s.findPos+max, len(s.found))
	res := append([]pkcs11.ObjectHandle{}, s.found[s.findPos:end]...)
	if !m.BrokenFind {
		s.findPos = end
	}
	return res, false, nil
}

// FindObjectsFinal ends the search
func (m *Module) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindObjectsFinal"); err != nil {
		return err
	}
	s, err := m.session(sh)
	if err != nil {
		return err
	}
	if !s.findOpen {
		return pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.findOpen = false
	s.found = nil
	return nil
}

// object must be called with m.mu held
func (m *Module) object(s *session, oh pkcs11.ObjectHandle) (*Object, error) {
	o, ok := m.objects[oh]
	if !ok || !m.visible(s, o) {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	return o, nil
}

// GetAttributeValue returns the object attributes
func (m *Module) GetAttributeValue(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetAttributeValue"); err != nil {
		return nil, err
	}
	s, err := m.session(sh)
	if err != nil {
		return nil, err
	}
	o, err := m.object(s, oh)
	if err != nil {
		return nil, err
	}

	res := make([]*pkcs11.Attribute, 0, len(a))
	for _, t := range a {
		v, ok := o.attribute(t.Type)
		if !ok {
			if t.Type == pkcs11.CKA_VALUE {
				return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_SENSITIVE)
			}
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		res = append(res, v)
	}
	return res, nil
}

// DestroyObject removes a session object
func (m *Module) DestroyObject(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DestroyObject"); err != nil {
		return err
	}
	if _, err := m.session(sh); err != nil {
		return err
	}
	o, ok := m.objects[oh]
	if !ok || o.session != sh {
		return pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	delete(m.objects, oh)
	return nil
}

// SessionObjects returns the number of session objects, such as
// unwrapped keys
func (m *Module) SessionObjects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.objects {
		if o.session != 0 {
			n++
		}
	}
	return n
}

// opInit must be called with m.mu held
func (m *Module) opInit(function string, sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, key pkcs11.ObjectHandle, allowed func(*Object) bool) error {
	if err := m.enter(function); err != nil {
		return err
	}
	s, err := m.session(sh)
	if err != nil {
		return err
	}
	if !s.token.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	if s.op != nil {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	if len(mechs) != 1 || mechs[0].Mechanism != pkcs11.CKM_RSA_PKCS {
		return pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	o, ok := m.objects[key]
	if !ok || !m.visible(s, o) || o.Class != pkcs11.CKO_PRIVATE_KEY {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	if !allowed(o) {
		return pkcs11.Error(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED)
	}
	s.op = &operation{kind: mechs[0].Mechanism, key: o}
	return nil
}

// opDo must be called with m.mu held
func (m *Module) opDo(function string, sh pkcs11.SessionHandle) (*Object, error) {
	s, err := m.session(sh)
	if err != nil {
		return nil, err
	}
	op := s.op
	if op == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.op = nil
	if err := m.enter(function); err != nil {
		return nil, err
	}
	return op.key, nil
}

// SignInit starts the signature
func (m *Module) SignInit(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opInit("SignInit", sh, mechs, o, func(o *Object) bool { return o.Sign })
}

// Sign returns PKCS#1 v1.5 signature of the message
func (m *Module) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, err := m.opDo("Sign", sh)
	if err != nil {
		return nil, err
	}
	return signRaw(key.Key, message)
}

// SignRecoverInit starts the signature with recovery
func (m *Module) SignRecoverInit(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opInit("SignRecoverInit", sh, mechs, key, func(o *Object) bool { return o.SignRecover })
}

// SignRecover returns PKCS#1 v1.5 signature of the data
func (m *Module) SignRecover(sh pkcs11.SessionHandle, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, err := m.opDo("SignRecover", sh)
	if err != nil {
		return nil, err
	}
	return signRaw(key.Key, data)
}

// DecryptInit starts the decryption
func (m *Module) DecryptInit(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opInit("DecryptInit", sh, mechs, o, func(o *Object) bool { return o.Decrypt })
}

// Decrypt returns PKCS#1 v1.5 decrypted data
func (m *Module) Decrypt(sh pkcs11.SessionHandle, cypher []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, err := m.opDo("Decrypt", sh)
	if err != nil {
		return nil, err
	}
	return decryptRaw(key.Key, cypher)
}

// UnwrapKey decrypts the wrapped key into a new session object
func (m *Module) UnwrapKey(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, unwrappingkey pkcs11.ObjectHandle, wrappedkey []byte, a []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opInit("UnwrapKey", sh, mechs, unwrappingkey, func(o *Object) bool { return o.Unwrap }); err != nil {
		return 0, err
	}
	s := m.sessions[sh]
	key := s.op.key
	s.op = nil

	value, err := decryptRaw(key.Key, wrappedkey)
	if err != nil {
		return 0, err
	}

	o := &Object{
		Class:   pkcs11.CKO_SECRET_KEY,
		Value:   value,
		session: sh,
	}
	for _, attr := range a {
		if attr.Type == pkcs11.CKA_LABEL {
			o.Label = string(attr.Value)
		}
	}
	o.handle = m.newHandle()
	m.objects[o.handle] = o
	return o.handle, nil
}

func signRaw(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	if key == nil {
		return nil, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.Hash(0), data)
	if err != nil {
		return nil, pkcs11.Error(pkcs11.CKR_DATA_LEN_RANGE)
	}
	return sig, nil
}

func decryptRaw(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	if key == nil {
		return nil, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
	}
	out, err := rsa.DecryptPKCS1v15(rand.Reader, key, data)
	if err != nil {
		return nil, pkcs11.Error(pkcs11.CKR_ENCRYPTED_DATA_INVALID)
	}
	return out, nil
}
