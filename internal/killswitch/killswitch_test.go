package killswitch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"media-harbor/internal/bus"
	"media-harbor/internal/domain"
	"media-harbor/internal/tunnel"
)

type fakeEngine struct {
	mu      sync.Mutex
	pauses  int
	resumes int
	onPause func()
}

func (e *fakeEngine) PauseAll() {
	e.mu.Lock()
	e.pauses++
	onPause := e.onPause
	e.mu.Unlock()
	if onPause != nil {
		onPause()
	}
}

func (e *fakeEngine) ResumeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumes++
}

func (e *fakeEngine) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pauses, e.resumes
}

type fakeTunnel struct {
	hooks []func(string)
}

func (t *fakeTunnel) NotifyDown(fn func(string)) {
	t.hooks = append(t.hooks, fn)
}

func (t *fakeTunnel) down(reason string) {
	for _, fn := range t.hooks {
		fn(reason)
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDownHookPausesImmediately(t *testing.T) {
	engine := &fakeEngine{}
	tun := &fakeTunnel{}
	events := bus.New(quietLogger())
	defer events.Close()

	New(engine, tun, events, quietLogger())

	// the hook runs inline, no event loop needed
	tun.down("handshake_stale")
	if pauses, _ := engine.counts(); pauses != 1 {
		t.Fatalf("pauses = %d, want 1", pauses)
	}
}

func TestResumeOnTunnelConnected(t *testing.T) {
	engine := &fakeEngine{}
	tun := &fakeTunnel{}
	events := bus.New(quietLogger())
	defer events.Close()

	c := New(engine, tun, events, quietLogger())
	go c.Run()
	defer c.Stop()

	// give the loop time to subscribe before publishing
	time.Sleep(5 * time.Millisecond)
	events.Publish(domain.Event{Type: domain.EventTunnelConnected})

	waitFor(t, func() bool {
		_, resumes := engine.counts()
		return resumes == 1
	}, "engine never resumed")
}

func TestPauseOnTunnelDownEvents(t *testing.T) {
	engine := &fakeEngine{}
	tun := &fakeTunnel{}
	events := bus.New(quietLogger())
	defer events.Close()

	c := New(engine, tun, events, quietLogger())
	go c.Run()
	defer c.Stop()

	time.Sleep(5 * time.Millisecond)
	events.Publish(domain.Event{Type: domain.EventTunnelReconnecting, Attempt: 1})
	events.Publish(domain.Event{Type: domain.EventTunnelError, Message: "handshake timeout"})
	events.Publish(domain.Event{Type: domain.EventTunnelDisconnected, Reason: "user_requested"})

	waitFor(t, func() bool {
		pauses, _ := engine.counts()
		return pauses == 3
	}, "engine not paused for every down event")
}

func TestTransferEventsIgnored(t *testing.T) {
	engine := &fakeEngine{}
	tun := &fakeTunnel{}
	events := bus.New(quietLogger())
	defer events.Close()

	c := New(engine, tun, events, quietLogger())
	go c.Run()
	defer c.Stop()

	time.Sleep(5 * time.Millisecond)
	events.Publish(domain.Event{Type: domain.EventTransferProgress, SourceID: "abc"})
	events.Publish(domain.Event{Type: domain.EventTransferCompleted, SourceID: "abc"})

	time.Sleep(10 * time.Millisecond)
	if pauses, resumes := engine.counts(); pauses != 0 || resumes != 0 {
		t.Fatalf("engine touched by transfer events: pauses=%d resumes=%d", pauses, resumes)
	}
}

// orderingDevice fails its second Up so the tunnel enters the reconnect
// loop, recording every attempt.
type orderingDevice struct {
	mu     sync.Mutex
	record func(string)
	fail   bool
}

func (d *orderingDevice) Up(ctx context.Context) (string, error) {
	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	d.record("up")
	if fail {
		return "", errors.New("network unreachable")
	}
	return "vpn.example.com:51820", nil
}

func (d *orderingDevice) Down(ctx context.Context) error { return nil }

func (d *orderingDevice) State(ctx context.Context) (tunnel.DeviceState, error) {
	return tunnel.DeviceState{LastHandshake: time.Now().Add(-time.Hour)}, nil
}

func (d *orderingDevice) setFail(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = v
}

type noopBinding struct{}

func (noopBinding) Apply(string) error  { return nil }
func (noopBinding) Remove(string) error { return nil }

// Transfers must be paused before the tunnel makes its first reconnect
// attempt, whatever the event loop is doing.
func TestPauseOrderedBeforeReconnect(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	dev := &orderingDevice{record: record}
	engine := &fakeEngine{onPause: func() { record("pause") }}
	events := bus.New(quietLogger())
	defer events.Close()

	svc := tunnel.NewService(tunnel.Config{
		Interface:           "wg0",
		AutoReconnect:       true,
		HealthCheckInterval: 2 * time.Millisecond,
		HandshakeStaleness:  10 * time.Millisecond,
		ReconnectMinDelay:   time.Millisecond,
		ReconnectMaxDelay:   4 * time.Millisecond,
		Logger:              quietLogger(),
	}, dev, noopBinding{}, events)
	svc.Start(context.Background())
	defer svc.Stop()

	c := New(engine, svc, events, quietLogger())
	go c.Run()
	defer c.Stop()

	if err := svc.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dev.setFail(true)

	// wait for the stale handshake to force at least one reconnect attempt
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) >= 3
	}, "tunnel never attempted reconnect")

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "up" {
		t.Fatalf("order = %v", order)
	}
	for _, step := range order[1:] {
		if step == "pause" {
			return
		}
		if step == "up" {
			t.Fatalf("reconnect attempt before transfers were paused: %v", order)
		}
	}
	t.Fatalf("transfers never paused: %v", order)
}
