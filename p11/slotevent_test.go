package p11

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *logRecorder) hook(data any, level xlog.LogLevel, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *logRecorder) contains(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

// watchFixture returns fixture with an empty slot, watched by "watched"
// provider, and the channel that receives the slot event hook data
func watchFixture(t *testing.T, opts ProviderOptions, configure func(*fixture)) (*fixture, *logRecorder, chan any) {
	f := newFixture(t, true)
	require.NoError(t, f.ctx.RemoveProvider("test"))
	if configure != nil {
		configure(f)
	}

	logs := &logRecorder{}
	f.ctx.SetLogHook(logs.hook, nil)

	require.NoError(t, f.ctx.AddProvider("watched", "/memory/watched.so", opts))

	events := make(chan any, 64)
	require.NoError(t, f.ctx.SetSlotEventHook(func(data any) {
		events <- data
	}, "slot-data"))
	return f, logs, events
}

// waitSlotEvent changes the token presence until the hook is called
func waitSlotEvent(t *testing.T, f *fixture, events chan any) {
	present := false
	require.Eventually(t, func() bool {
		if present {
			f.mod.RemoveToken(0)
		} else {
			f.mod.InsertToken(0, f.tok)
		}
		present = !present

		select {
		case data := <-events:
			return data == "slot-data"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSlotEventTrigger(t *testing.T) {
	f, logs, events := watchFixture(t, ProviderOptions{SlotEventMethod: SlotEventTrigger}, nil)

	require.Eventually(t, func() bool {
		return f.mod.Calls("WaitForSlotEvent") > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, logs.contains("provider=watched, method=trigger"))

	f.mod.InsertToken(0, f.tok)
	select {
	case data := <-events:
		assert.Equal(t, "slot-data", data)
	case <-time.After(5 * time.Second):
		t.Fatal("slot event is not reported")
	}

	// the blocked wait is released on terminate
	require.NoError(t, f.ctx.Terminate())
	assert.True(t, logs.contains("status=slot_watch_stopped, provider=watched"))
	assert.True(t, logs.contains("status=slot_monitor_stopped"))
}

func TestSlotEventAuto(t *testing.T) {
	f, logs, events := watchFixture(t, ProviderOptions{}, nil)

	require.Eventually(t, func() bool {
		return logs.contains("status=slot_watch_started")
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, logs.contains("provider=watched, method=trigger"))
	assert.Equal(t, 0, len(events))

	waitSlotEvent(t, f, events)
}

func TestSlotEventAutoNotSupported(t *testing.T) {
	f, logs, events := watchFixture(t, ProviderOptions{SlotPollInterval: 10 * time.Millisecond}, func(f *fixture) {
		f.mod.NoSlotEvents = true
	})

	require.Eventually(t, func() bool {
		return logs.contains("status=slot_watch_started")
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, logs.contains("provider=watched, method=poll"))

	waitSlotEvent(t, f, events)
}

func TestSlotEventPoll(t *testing.T) {
	f, logs, events := watchFixture(t, ProviderOptions{
		SlotEventMethod:  SlotEventPoll,
		SlotPollInterval: 10 * time.Millisecond,
	}, nil)

	require.Eventually(t, func() bool {
		list := f.ctx.Providers()
		return len(list) == 1 && list[0].SlotWatch
	}, 5*time.Second, 10*time.Millisecond)

	waitSlotEvent(t, f, events)
	assert.True(t, logs.contains("provider=watched, method=poll"))
	assert.Equal(t, 0, f.mod.Calls("WaitForSlotEvent"))

	p := f.ctx.providerList()[0]
	require.NoError(t, f.ctx.RemoveProvider("watched"))
	assert.False(t, p.Info().SlotWatch)
	assert.False(t, p.Info().Enabled)
}

func TestSlotEventFetch(t *testing.T) {
	f, logs, events := watchFixture(t, ProviderOptions{
		SlotEventMethod:  SlotEventFetch,
		SlotPollInterval: 10 * time.Millisecond,
	}, nil)

	waitSlotEvent(t, f, events)
	assert.True(t, logs.contains("provider=watched, method=fetch"))
}

func TestSlotEventFetchNotSupported(t *testing.T) {
	f, logs, events := watchFixture(t, ProviderOptions{
		SlotEventMethod:  SlotEventFetch,
		SlotPollInterval: 10 * time.Millisecond,
	}, func(f *fixture) {
		f.mod.NoSlotEvents = true
	})

	waitSlotEvent(t, f, events)
	assert.True(t, logs.contains("reason=wait_not_supported, provider=watched"))
}

func TestSlotEventProviderAdded(t *testing.T) {
	f, logs, _ := watchFixture(t, ProviderOptions{SlotEventMethod: SlotEventTrigger}, nil)

	require.Eventually(t, func() bool {
		return logs.contains("provider=watched, method=trigger")
	}, 5*time.Second, 10*time.Millisecond)

	// the module is already initialized by "watched",
	// so the blocking wait can not be released
	require.NoError(t, f.ctx.AddProvider("shared", "/memory/watched.so", ProviderOptions{
		SlotEventMethod: SlotEventTrigger,
	}))
	require.Eventually(t, func() bool {
		return logs.contains("provider=shared, method=poll")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.ctx.RemoveProvider("shared"))
	assert.True(t, logs.contains("status=slot_watch_stopped, provider=shared"))
}

func TestSlotEventHookAfterTerminate(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.ctx.Terminate())
	assert.Equal(t, ErrNotInitialized, f.ctx.SetSlotEventHook(func(any) {}, nil))
}

func TestSlotFingerprint(t *testing.T) {
	f := newFixture(t, true)
	p := f.ctx.providerList()[0]

	empty := slotFingerprint(p)
	assert.Equal(t, "0:-;1:-;", empty)

	f.mod.InsertToken(1, f.tok)
	assert.Equal(t, `0:-;1:p11helper/memory/0001/token\x20one;`, slotFingerprint(p))

	f.mod.Fail("GetSlotList", pkcs11.CKR_DEVICE_ERROR, 1)
	assert.Equal(t, "error:30", slotFingerprint(p))
}

func TestForkFixup(t *testing.T) {
	f := newFixture(t, false)
	c := f.certificate(t, PromptAllowAll, PINCacheInfinite)

	data := make([]byte, 32)
	_, err := c.Sign(rsaPKCS(), data)
	require.NoError(t, err)
	require.Equal(t, SessionLoggedIn, c.Session().State())

	require.NoError(t, f.ctx.ForkFixup())
	assert.Equal(t, 2, f.mod.Calls("Initialize"))
	assert.Equal(t, SessionBoundNotLoggedIn, c.Session().State())

	f.ctx.regLock.Lock()
	assert.Nil(t, f.ctx.monitor, "the monitor is not started without hook")
	f.ctx.regLock.Unlock()

	_, err = c.Sign(rsaPKCS(), data)
	require.NoError(t, err)
	assert.Equal(t, SessionLoggedIn, c.Session().State())
}

func TestForkFixupInitializeFailure(t *testing.T) {
	f := newFixture(t, false)

	f.mod.Fail("Initialize", pkcs11.CKR_GENERAL_ERROR, 1)
	require.NoError(t, f.ctx.ForkFixup())

	list := f.ctx.Providers()
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)

	tokens, err := f.ctx.EnumTokenIDs(EnumCacheExist)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestForkFixupRestartsMonitor(t *testing.T) {
	f, _, events := watchFixture(t, ProviderOptions{
		SlotEventMethod:  SlotEventPoll,
		SlotPollInterval: 10 * time.Millisecond,
	}, nil)

	f.ctx.regLock.Lock()
	before := f.ctx.monitor
	f.ctx.regLock.Unlock()

	require.NoError(t, f.ctx.ForkFixup())

	f.ctx.regLock.Lock()
	after := f.ctx.monitor
	f.ctx.regLock.Unlock()

	require.NotNil(t, after)
	assert.NotSame(t, before, after)
	assert.True(t, before.terminate.Load())

	waitSlotEvent(t, f, events)

	require.NoError(t, f.ctx.Terminate())
	assert.Equal(t, ErrNotInitialized, f.ctx.ForkFixup())
}
