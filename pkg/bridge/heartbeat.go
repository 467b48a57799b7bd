package bridge

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/picobridge/pkg/logger"
)

// Restartable is the slice of the transport the heartbeat supervises.
type Restartable interface {
	IsRunning() bool
	Start(ctx context.Context) error
}

// Heartbeat checks the backend on a cron schedule and restarts it if the
// subprocess died. The check ticks every minute and fires only when the
// expression is due, so "*/5 * * * *" probes every five minutes.
type Heartbeat struct {
	cron    string
	target  Restartable
	checker *gronx.Gronx

	stop chan struct{}
	done chan struct{}
}

func NewHeartbeat(cron string, target Restartable) *Heartbeat {
	if cron == "" {
		cron = "* * * * *"
	}
	return &Heartbeat{
		cron:    cron,
		target:  target,
		checker: gronx.New(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (h *Heartbeat) Start() {
	go h.loop()
}

func (h *Heartbeat) Stop() {
	close(h.stop)
	<-h.done
}

func (h *Heartbeat) loop() {
	defer close(h.done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			due, err := h.checker.IsDue(h.cron, now)
			if err != nil {
				logger.ErrorCF("heartbeat", "Bad cron expression", map[string]interface{}{
					"cron":  h.cron,
					"error": err.Error(),
				})
				return
			}
			if !due {
				continue
			}
			h.check()
		}
	}
}

func (h *Heartbeat) check() {
	if h.target.IsRunning() {
		logger.DebugC("heartbeat", "Backend alive")
		return
	}

	logger.WarnC("heartbeat", "Backend down, restarting")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.target.Start(ctx); err != nil {
		logger.ErrorCF("heartbeat", "Backend restart failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
