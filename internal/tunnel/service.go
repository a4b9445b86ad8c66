package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"media-harbor/internal/bus"
	"media-harbor/internal/domain"
)

// ErrNotDisconnected rejects Connect while a connection attempt or live
// tunnel already exists.
var ErrNotDisconnected = errors.New("tunnel is not disconnected")

var errStaleGeneration = errors.New("tunnel connection superseded")

// Config controls the tunnel service.
type Config struct {
	Interface           string
	AutoReconnect       bool
	HealthCheckInterval time.Duration
	// HandshakeStaleness is how old the last handshake may get before the
	// tunnel is treated as silently dead.
	HandshakeStaleness time.Duration
	ReconnectMinDelay  time.Duration
	ReconnectMaxDelay  time.Duration
	Logger             *logrus.Logger
}

// Service owns the lifecycle of one VPN connection. The tunnel state is
// mutated only through Service operations; callers observe it through
// Status and the event stream.
type Service struct {
	cfg     Config
	device  Device
	binding Binding
	events  *bus.Bus
	logger  *logrus.Logger

	mu    sync.Mutex
	state domain.TunnelState
	// gen invalidates monitors and reconnect loops from superseded
	// connections; bumped on every teardown.
	gen        int
	connCancel context.CancelFunc
	onDown     []func(reason string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds a tunnel service over the given device and binding
// policy, publishing to events.
func NewService(cfg Config, device Device, binding Binding, events *bus.Bus) *Service {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.HandshakeStaleness <= 0 {
		cfg.HandshakeStaleness = 3 * time.Minute
	}
	if cfg.ReconnectMinDelay <= 0 {
		cfg.ReconnectMinDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Service{
		cfg:     cfg,
		device:  device,
		binding: binding,
		events:  events,
		logger:  cfg.Logger,
		state: domain.TunnelState{
			Status:        domain.TunnelStatusDisconnected,
			InterfaceName: cfg.Interface,
		},
	}
}

// Start prepares the service for background work. It does not connect.
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Stop tears the tunnel down and waits for background tasks to finish.
func (s *Service) Stop() {
	if err := s.Disconnect(); err != nil {
		s.logger.WithError(err).Warn("disconnect during shutdown")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// NotifyDown registers a hook invoked synchronously on every transition
// out of Connected (and on failed connects), before any reconnect attempt
// is made or published. The kill switch registers here so transfers are
// provably paused before reconnect traffic could flow.
func (s *Service) NotifyDown(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDown = append(s.onDown, fn)
}

// Status returns a snapshot of the tunnel state.
func (s *Service) Status() domain.TunnelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect brings the tunnel up. Valid only while disconnected (a failed
// previous attempt counts as disconnected). On failure the service enters
// Error and, with auto-reconnect configured, keeps retrying in the
// background.
func (s *Service) Connect() error {
	s.mu.Lock()
	switch s.state.Status {
	case domain.TunnelStatusDisconnected, domain.TunnelStatusError:
	default:
		status := s.state.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotDisconnected, status)
	}
	s.state.Status = domain.TunnelStatusConnecting
	s.state.ErrorMessage = ""
	// take ownership: a reconnect loop left over from a failed attempt
	// must not race this connection
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.logger.WithField("interface", s.cfg.Interface).Info("connecting tunnel")
	s.publish(domain.Event{Type: domain.EventTunnelConnecting})

	endpoint, err := s.device.Up(s.ctx)
	if err != nil {
		s.connectFailed(err, gen)
		return err
	}
	if err := s.enterConnected(endpoint, gen); err != nil {
		s.connectFailed(err, gen)
		return err
	}
	return nil
}

// Disconnect tears down the interface from any state. It always succeeds:
// a failed teardown step is logged and the remaining steps still run.
func (s *Service) Disconnect() error {
	s.mu.Lock()
	if s.state.Status == domain.TunnelStatusDisconnected {
		s.mu.Unlock()
		return nil
	}
	wasConnected := s.state.Status == domain.TunnelStatusConnected
	s.gen++
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.state = domain.TunnelState{
		Status:        domain.TunnelStatusDisconnected,
		InterfaceName: s.cfg.Interface,
	}
	s.mu.Unlock()

	s.fireDown("user_requested")
	if wasConnected {
		if err := s.binding.Remove(s.cfg.Interface); err != nil {
			s.logger.WithError(err).Warn("remove traffic binding")
		}
	}
	if err := s.device.Down(s.ctx); err != nil {
		s.logger.WithError(err).Warn("remove tunnel interface")
	}

	s.publish(domain.Event{Type: domain.EventTunnelDisconnected, Reason: "user_requested"})
	s.logger.WithField("interface", s.cfg.Interface).Info("tunnel disconnected")
	return nil
}

func (s *Service) connectFailed(err error, gen int) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state.Status = domain.TunnelStatusError
	s.state.ErrorMessage = err.Error()
	s.mu.Unlock()

	s.logger.WithError(err).Error("tunnel connect failed")
	s.publish(domain.Event{Type: domain.EventTunnelError, Message: err.Error()})

	if s.cfg.AutoReconnect {
		s.fireDown("connect_failed")
		s.startReconnect(gen)
	}
}

// enterConnected applies the traffic binding and flips the state to
// Connected. The binding comes first: a transfer must never run against
// an unbound tunnel. Failures tear the interface back down and are
// returned to the caller, which owns the retry.
func (s *Service) enterConnected(endpoint string, gen int) error {
	if err := s.binding.Apply(s.cfg.Interface); err != nil {
		if downErr := s.device.Down(s.ctx); downErr != nil {
			s.logger.WithError(downErr).Warn("remove tunnel interface after binding failure")
		}
		return fmt.Errorf("apply traffic binding: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if err := s.binding.Remove(s.cfg.Interface); err != nil {
			s.logger.WithError(err).Warn("remove stale traffic binding")
		}
		if err := s.device.Down(s.ctx); err != nil {
			s.logger.WithError(err).Warn("remove stale tunnel interface")
		}
		return errStaleGeneration
	}
	now := time.Now().UTC()
	s.state.Status = domain.TunnelStatusConnected
	s.state.ConnectedSince = &now
	s.state.Endpoint = endpoint
	s.state.ErrorMessage = ""
	connCtx, cancel := context.WithCancel(s.ctx)
	s.connCancel = cancel
	s.mu.Unlock()

	s.publish(domain.Event{Type: domain.EventTunnelConnected})
	s.logger.WithFields(logrus.Fields{
		"interface": s.cfg.Interface,
		"endpoint":  endpoint,
	}).Info("tunnel connected")

	s.wg.Add(1)
	go s.monitor(connCtx, gen)
	return nil
}

// monitor is the periodic health check for one connection generation.
func (s *Service) monitor(ctx context.Context, gen int) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := s.device.State(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("read tunnel state")
			continue
		}

		s.mu.Lock()
		if s.gen != gen || s.state.Status != domain.TunnelStatusConnected {
			s.mu.Unlock()
			return
		}
		s.state.RxBytes = st.RxBytes
		s.state.TxBytes = st.TxBytes
		if !st.LastHandshake.IsZero() {
			hs := st.LastHandshake
			s.state.LastHandshake = &hs
		}
		// no handshake yet: measure staleness from connection start
		reference := s.state.ConnectedSince
		if s.state.LastHandshake != nil {
			reference = s.state.LastHandshake
		}
		stale := reference != nil && time.Since(*reference) > s.cfg.HandshakeStaleness
		s.mu.Unlock()

		s.publish(domain.Event{
			Type:    domain.EventTunnelStatsUpdate,
			RxBytes: st.RxBytes,
			TxBytes: st.TxBytes,
		})

		if stale {
			s.logger.WithField("interface", s.cfg.Interface).Warn("tunnel handshake stale, treating as dead")
			s.lost("handshake_stale", gen)
			return
		}
	}
}

// lost handles an involuntary transition out of Connected: pause the
// engine first, then tear down, then publish, then start reconnecting.
func (s *Service) lost(reason string, gen int) {
	s.mu.Lock()
	if s.gen != gen || s.state.Status != domain.TunnelStatusConnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	newGen := s.gen
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	if s.cfg.AutoReconnect {
		s.state.Status = domain.TunnelStatusReconnecting
	} else {
		s.state.Status = domain.TunnelStatusDisconnected
	}
	s.state.ConnectedSince = nil
	s.state.Endpoint = ""
	s.mu.Unlock()

	s.fireDown(reason)
	if err := s.binding.Remove(s.cfg.Interface); err != nil {
		s.logger.WithError(err).Warn("remove traffic binding")
	}
	if err := s.device.Down(s.ctx); err != nil {
		s.logger.WithError(err).Warn("remove tunnel interface")
	}
	s.publish(domain.Event{Type: domain.EventTunnelDisconnected, Reason: reason})

	if s.cfg.AutoReconnect {
		s.startReconnect(newGen)
	}
}

// startReconnect runs the backoff loop: doubling delay from the minimum
// up to the cap, retried indefinitely until the generation is superseded
// or the service stops. The loop takes over the generation before it
// runs, so at most one loop is ever live; a failed attempt retries in
// place instead of spawning another loop.
func (s *Service) startReconnect(gen int) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	loopGen := s.gen
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		delay := s.cfg.ReconnectMinDelay
		for attempt := 1; ; attempt++ {
			s.mu.Lock()
			if s.gen != loopGen {
				s.mu.Unlock()
				return
			}
			s.state.Status = domain.TunnelStatusReconnecting
			s.mu.Unlock()

			s.publish(domain.Event{Type: domain.EventTunnelReconnecting, Attempt: attempt})
			s.logger.WithField("attempt", attempt).Info("reconnecting tunnel")

			// clear remnants of the failed connection before retrying
			if err := s.device.Down(s.ctx); err != nil {
				s.logger.WithError(err).Debug("pre-reconnect interface cleanup")
			}

			endpoint, err := s.device.Up(s.ctx)
			if err == nil {
				err = s.enterConnected(endpoint, loopGen)
				if err == nil {
					return
				}
				if errors.Is(err, errStaleGeneration) {
					return
				}
			}
			s.logger.WithError(err).WithField("attempt", attempt).Warn("tunnel reconnect failed")

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = nextReconnectDelay(delay, s.cfg.ReconnectMaxDelay)
		}
	}()
}

// nextReconnectDelay doubles the delay, capped at max.
func nextReconnectDelay(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

func (s *Service) fireDown(reason string) {
	s.mu.Lock()
	hooks := make([]func(string), len(s.onDown))
	copy(hooks, s.onDown)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(reason)
	}
}

func (s *Service) publish(ev domain.Event) {
	ev.Time = time.Now().UTC()
	ev.Interface = s.cfg.Interface
	s.events.Publish(ev)
}
