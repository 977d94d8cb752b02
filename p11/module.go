package p11

import (
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/fileutil"
	"github.com/miekg/pkcs11"
)

// Module is the function table of a loaded PKCS#11 library.
// The signatures follow miekg/pkcs11.Ctx, except for Login which takes
// PIN as bytes so that the caller can zero it, and WaitForSlotEvent
// which is a blocking call.
type Module interface {
	Initialize() error
	Finalize() error
	Destroy()
	GetInfo() (pkcs11.Info, error)
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	WaitForSlotEvent(flags uint) (uint, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin []byte) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	DestroyObject(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle) error
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
	SignRecoverInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error
	SignRecover(sh pkcs11.SessionHandle, data []byte) ([]byte, error)
	DecryptInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Decrypt(sh pkcs11.SessionHandle, cypher []byte) ([]byte, error)
	UnwrapKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, unwrappingkey pkcs11.ObjectHandle, wrappedkey []byte, a []*pkcs11.Attribute) (pkcs11.ObjectHandle, error)
}

// ModuleLoader loads PKCS#11 library from the path
type ModuleLoader func(path string) (Module, error)

// LoadModule is the default ModuleLoader, based on miekg/pkcs11
func LoadModule(path string) (Module, error) {
	if err := fileutil.FileExists(path); err != nil {
		return nil, errors.Mark(errors.WithMessagef(err, "unable to load module %q", path), ErrModuleLoad)
	}

	ctx := pkcs11.New(path)
	if ctx == nil {
		// the library does not tell a failed dlopen from a missing entry point
		return nil, errors.Mark(
			errors.WithMessagef(ErrModuleLoad, "unable to load module or resolve its function list %q", path),
			ErrModuleInterface)
	}
	return &ctxModule{Ctx: ctx}, nil
}

type ctxModule struct {
	*pkcs11.Ctx
}

var _ Module = (*ctxModule)(nil)

func (m *ctxModule) Initialize() error {
	return m.Ctx.Initialize()
}

func (m *ctxModule) Login(sh pkcs11.SessionHandle, userType uint, pin []byte) error {
	// the library copies PIN into C memory,
	// the string view avoids another copy that can not be zeroed
	return m.Ctx.Login(sh, userType, unsafe.String(unsafe.SliceData(pin), len(pin)))
}

func (m *ctxModule) WaitForSlotEvent(flags uint) (uint, error) {
	if flags&pkcs11.CKF_DONT_BLOCK != 0 {
		// the library reports an event for any result of the call,
		// so a non-blocking wait can not tell "no event" apart
		return 0, pkcs11.Error(pkcs11.CKR_FUNCTION_NOT_SUPPORTED)
	}
	ev, ok := <-m.Ctx.WaitForSlotEvent(flags)
	if !ok {
		return 0, pkcs11.Error(pkcs11.CKR_NO_EVENT)
	}
	return ev.SlotID, nil
}

// trimInfo removes the fixed-width padding of module strings
func trimInfo(s string) string {
	return strings.TrimRight(s, " \x00")
}
