package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingPatcher struct {
	mu        sync.Mutex
	patched   bool
	patches   int
	unpatches int
}

func (p *countingPatcher) PatchAllJumpsForTimeout() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patched = true
	p.patches++
	return nil
}

func (p *countingPatcher) UnpatchAllJumpsFromTimeout() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patched = false
	p.unpatches++
	return nil
}

func (p *countingPatcher) state() (bool, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.patched, p.patches, p.unpatches
}

func TestTriggerAndHandleInterrupt(t *testing.T) {
	p := &countingPatcher{}
	w := New(0, p, zerolog.Nop())

	if !w.HandleInterrupt() {
		t.Fatalf("HandleInterrupt refused with nothing pending")
	}
	w.Trigger()
	w.Trigger()
	if patched, patches, _ := p.state(); !patched || patches != 1 {
		t.Fatalf("after Trigger: patched=%v patches=%d, want one patch", patched, patches)
	}
	if !w.Pending() {
		t.Fatalf("Pending = false after Trigger")
	}
	if w.HandleInterrupt() {
		t.Fatalf("HandleInterrupt allowed execution with an interrupt pending")
	}
	if w.Pending() {
		t.Errorf("interrupt still pending after HandleInterrupt")
	}
	if patched, _, unpatches := p.state(); patched || unpatches != 1 {
		t.Errorf("loop edges not restored: patched=%v unpatches=%d", patched, unpatches)
	}
	if !w.HandleInterrupt() {
		t.Errorf("HandleInterrupt refused after the interrupt was serviced")
	}
}

func TestNotifyTimeoutReceived(t *testing.T) {
	p := &countingPatcher{}
	w := New(0, p, zerolog.Nop())

	w.NotifyTimeoutReceived()
	if _, _, unpatches := p.state(); unpatches != 0 {
		t.Errorf("unpatched with nothing pending")
	}
	w.Trigger()
	w.NotifyTimeoutReceived()
	if patched, _, _ := p.state(); patched || w.Pending() {
		t.Errorf("NotifyTimeoutReceived left the interrupt in place")
	}
}

func TestOnLeaveDropsUnobservedInterrupt(t *testing.T) {
	p := &countingPatcher{}
	w := New(0, p, zerolog.Nop())

	w.OnEnter()
	w.OnEnter()
	w.Trigger()
	w.OnLeave()
	if !w.Pending() {
		t.Fatalf("inner OnLeave dropped the interrupt")
	}
	w.OnLeave()
	if w.Pending() {
		t.Errorf("outermost OnLeave kept the interrupt")
	}
}

func TestTimerFiresOnLongInvocation(t *testing.T) {
	p := &countingPatcher{}
	w := New(20*time.Millisecond, p, zerolog.Nop())
	w.Start()
	defer w.Shutdown()

	w.OnEnter()
	deadline := time.Now().Add(2 * time.Second)
	for !w.Pending() {
		if time.Now().After(deadline) {
			t.Fatalf("watchdog never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if patched, _, _ := p.state(); !patched {
		t.Errorf("fired without redirecting loop edges")
	}

	// fires once per invocation
	w.HandleInterrupt()
	time.Sleep(100 * time.Millisecond)
	if _, patches, _ := p.state(); patches != 1 {
		t.Errorf("patched %d times during one invocation, want 1", patches)
	}
	w.OnLeave()
}

func TestTimerIdleDoesNotFire(t *testing.T) {
	p := &countingPatcher{}
	w := New(10*time.Millisecond, p, zerolog.Nop())
	w.Start()

	w.OnEnter()
	w.OnLeave()
	time.Sleep(50 * time.Millisecond)
	w.Shutdown()
	w.Shutdown()

	if _, patches, _ := p.state(); patches != 0 {
		t.Errorf("idle watchdog patched %d times", patches)
	}
}
