package p11

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/effective-security/p11helper/identity"
	"github.com/effective-security/p11helper/x/xsync"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// slotEventMonitor runs the manager thread, and one watch thread per
// enabled provider. Watches report events through the shared event,
// the manager calls the slot event hook and starts watches of
// providers added since the last wake.
type slotEventMonitor struct {
	ctx       *Context
	event     *xsync.Event
	terminate atomic.Bool
	pending   atomic.Bool
	thread    *xsync.Thread
}

func newSlotEventMonitor(c *Context) *slotEventMonitor {
	return &slotEventMonitor{
		ctx:   c,
		event: xsync.NewEvent(),
	}
}

func (m *slotEventMonitor) start() {
	m.thread = xsync.Start(m.run)
}

// stop requests the manager and the watches to exit
func (m *slotEventMonitor) stop() {
	m.terminate.Store(true)
	m.event.Signal()
	for _, p := range m.ctx.providerList() {
		p.mu.Lock()
		stop := p.stop
		p.mu.Unlock()
		stop.Signal()
	}
}

// join waits for the manager thread to exit,
// the watches are joined by unloadProvider
func (m *slotEventMonitor) join() {
	m.thread.Join()
}

// rescan wakes the manager to start watches of new providers
func (m *slotEventMonitor) rescan() {
	m.event.Signal()
}

// notify reports a slot event
func (m *slotEventMonitor) notify() {
	m.pending.Store(true)
	m.event.Signal()
}

func (m *slotEventMonitor) run() {
	m.ctx.log(xlog.DEBUG, "status", "slot_monitor_started")
	for !m.terminate.Load() {
		m.startWatchers()

		_ = m.event.Wait(xsync.Infinite)
		if m.terminate.Load() {
			break
		}
		if m.pending.Swap(false) {
			m.ctx.notifySlotEvent()
		}
	}
	m.ctx.log(xlog.DEBUG, "status", "slot_monitor_stopped")
}

func (m *slotEventMonitor) startWatchers() {
	for _, p := range m.ctx.providerList() {
		p.mu.Lock()
		if p.enabled.Load() && p.watch == nil && !m.terminate.Load() {
			method := m.detectMethod(p)
			stop := p.stop
			p.watch = xsync.Start(func() {
				m.watch(p, method, stop)
			})
		}
		p.mu.Unlock()
	}
}

// detectMethod resolves SlotEventAuto with a non-blocking wait
func (m *slotEventMonitor) detectMethod(p *Provider) SlotEventMethod {
	method := p.opts.SlotEventMethod
	if !p.ownsInit && (method == SlotEventAuto || method == SlotEventTrigger) {
		// a blocking wait is released only by C_Finalize
		return SlotEventPoll
	}
	if method != SlotEventAuto {
		return method
	}

	_, err := p.module.WaitForSlotEvent(pkcs11.CKF_DONT_BLOCK)
	switch RV(err) {
	case pkcs11.CKR_OK:
		m.notify()
		return SlotEventTrigger
	case pkcs11.CKR_FUNCTION_NOT_SUPPORTED:
		return SlotEventPoll
	default:
		return SlotEventTrigger
	}
}

func (m *slotEventMonitor) stopped(p *Provider) bool {
	return m.terminate.Load() || !p.enabled.Load()
}

func (m *slotEventMonitor) watch(p *Provider, method SlotEventMethod, stop *xsync.Event) {
	m.ctx.log(xlog.DEBUG, "status", "slot_watch_started", "provider", p.name, "method", method.String())

	switch method {
	case SlotEventTrigger:
		m.watchTrigger(p, stop)
	case SlotEventFetch:
		m.watchFetch(p, stop)
	default:
		m.watchPoll(p, stop)
	}

	m.ctx.log(xlog.DEBUG, "status", "slot_watch_stopped", "provider", p.name)
}

// watchTrigger blocks in C_WaitForSlotEvent,
// which returns when the module is finalized
func (m *slotEventMonitor) watchTrigger(p *Provider, stop *xsync.Event) {
	for !m.stopped(p) {
		_, err := p.module.WaitForSlotEvent(0)
		if m.stopped(p) {
			return
		}
		if err != nil {
			if RV(err) == pkcs11.CKR_FUNCTION_NOT_SUPPORTED {
				m.ctx.log(xlog.NOTICE, "reason", "wait_not_supported", "provider", p.name)
				m.watchPoll(p, stop)
				return
			}
			if RV(err) != pkcs11.CKR_NO_EVENT {
				m.ctx.log(xlog.DEBUG, "reason", "wait_slot_event", "provider", p.name, "err", err.Error())
				_ = stop.Wait(p.pollInterval())
			}
			continue
		}
		m.notify()
	}
}

// watchFetch drains pending events with non-blocking waits
func (m *slotEventMonitor) watchFetch(p *Provider, stop *xsync.Event) {
	for !m.stopped(p) {
		for !m.stopped(p) {
			_, err := p.module.WaitForSlotEvent(pkcs11.CKF_DONT_BLOCK)
			if err != nil {
				if RV(err) == pkcs11.CKR_FUNCTION_NOT_SUPPORTED {
					m.ctx.log(xlog.NOTICE, "reason", "wait_not_supported", "provider", p.name)
					m.watchPoll(p, stop)
					return
				}
				break
			}
			m.notify()
		}
		_ = stop.Wait(p.pollInterval())
	}
}

// watchPoll compares the state of all slots periodically
func (m *slotEventMonitor) watchPoll(p *Provider, stop *xsync.Event) {
	last := slotFingerprint(p)
	for !m.stopped(p) {
		_ = stop.Wait(p.pollInterval())
		if m.stopped(p) {
			return
		}
		current := slotFingerprint(p)
		if current != last {
			last = current
			m.notify()
		}
	}
}

// slotFingerprint returns a summary of slots and inserted tokens
func slotFingerprint(p *Provider) string {
	slots, err := p.module.GetSlotList(false)
	if err != nil {
		return "error:" + strconv.FormatUint(uint64(RV(err)), 16)
	}

	var b strings.Builder
	for _, slot := range slots {
		b.WriteString(strconv.FormatUint(uint64(slot), 10))
		si, err := p.module.GetSlotInfo(slot)
		if err != nil || si.Flags&pkcs11.CKF_TOKEN_PRESENT == 0 {
			b.WriteString(":-;")
			continue
		}
		b.WriteString(":")
		if ti, err := p.module.GetTokenInfo(slot); err == nil {
			b.WriteString(identity.NewToken(ti).Serialize())
		}
		b.WriteString(";")
	}
	return b.String()
}

// ForkFixup restores the Context in a child process created by fork
// from a process that used it. The modules are initialized again,
// the session handles of the parent are dropped, and the slot event
// threads, that do not exist in the child, are started anew.
func (c *Context) ForkFixup() error {
	if err := c.checkActive(); err != nil {
		return err
	}

	c.regLock.Lock()
	defer c.regLock.Unlock()

	mon := c.monitor
	if mon != nil {
		mon.terminate.Store(true)
		mon.event.Signal()
		c.monitor = nil
	}

	for _, p := range c.providerList() {
		p.mu.Lock()
		p.watch = nil
		p.stop = xsync.NewEvent()
		p.mu.Unlock()

		if !p.enabled.Load() {
			continue
		}
		if err := p.module.Initialize(); err != nil && RV(err) != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			p.enabled.Store(false)
			c.log(xlog.ERROR, "reason", "fork_initialize", "provider", p.name, "err", err.Error())
		}
	}

	c.sessLock.Lock()
	for _, s := range c.sessions {
		s.mu.Lock()
		if s.handle != invalidSessionHandle {
			s.handle = invalidSessionHandle
			s.generation++
		}
		s.mu.Unlock()
	}
	c.sessLock.Unlock()

	if mon != nil {
		c.monitor = newSlotEventMonitor(c)
		c.monitor.start()
	}

	c.log(xlog.INFO, "status", "fork_fixup")
	return nil
}
