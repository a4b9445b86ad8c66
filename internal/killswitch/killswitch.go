// Package killswitch couples the transfer engine to the tunnel: when the
// tunnel drops, every active transfer is paused before any reconnect
// traffic could carry peer data outside the tunnel, and transfers resume
// once the tunnel is back.
package killswitch

import (
	"github.com/sirupsen/logrus"

	"media-harbor/internal/bus"
	"media-harbor/internal/domain"
)

// Engine is the slice of the transfer engine the kill switch drives.
type Engine interface {
	PauseAll()
	ResumeAll()
}

// Tunnel is the slice of the tunnel service the kill switch hooks into.
type Tunnel interface {
	NotifyDown(fn func(reason string))
}

// Coordinator watches tunnel events and gates the engine. Pausing happens
// twice over: once synchronously through the tunnel's down hook, which
// runs before the tunnel publishes anything or retries, and once from the
// event loop as a backstop. Both paths are idempotent.
type Coordinator struct {
	engine Engine
	events *bus.Bus
	logger *logrus.Logger

	stop chan struct{}
	done chan struct{}
}

// New wires the coordinator to the tunnel's synchronous down hook. Run
// must be started for resume handling.
func New(engine Engine, tun Tunnel, events *bus.Bus, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Coordinator{
		engine: engine,
		events: events,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	tun.NotifyDown(func(reason string) {
		c.logger.WithField("reason", reason).Warn("kill switch engaged, pausing transfers")
		c.engine.PauseAll()
	})
	return c
}

// Run consumes tunnel events until Stop. It releases the gate on
// TunnelConnected and re-engages it on any event that means the tunnel is
// not carrying traffic.
func (c *Coordinator) Run() {
	defer close(c.done)
	sub := c.events.Subscribe()
	defer sub.Unsubscribe()

	for {
		ev, ok := sub.Next(c.stop)
		if !ok {
			return
		}
		switch ev.Type {
		case domain.EventTunnelConnected:
			c.logger.Info("tunnel restored, resuming transfers")
			c.engine.ResumeAll()
		case domain.EventTunnelDisconnected, domain.EventTunnelReconnecting, domain.EventTunnelError:
			c.engine.PauseAll()
		}
	}
}

// Stop terminates the event loop and waits for it to exit.
func (c *Coordinator) Stop() {
	close(c.stop)
	<-c.done
}
