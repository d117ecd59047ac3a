package daemon

import (
	"context"
	"time"
)

const defaultTickInterval = 30 * time.Second

// EventLoop runs periodic maintenance while the daemon is up
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: defaultTickInterval,
	}
}

// Run runs the event loop until ctx is done
func (e *EventLoop) Run(ctx context.Context) {
	log := e.daemon.logger.Component("eventloop")
	log.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks logs registry and queue state for monitoring
func (e *EventLoop) processTasks() {
	log := e.daemon.logger.Component("eventloop")

	stats := e.daemon.queue.Stats()
	if stats["queued"] > 0 || stats["lanes"] > 0 {
		log.Debug().
			Int("lanes", stats["lanes"]).
			Int("queued", stats["queued"]).
			Msg("Queue stats")
	}

	log.Debug().
		Int("active_sessions", e.daemon.store.Len()).
		Bool("bot_running", e.daemon.telegramBot.IsRunning()).
		Msg("Heartbeat")
}
