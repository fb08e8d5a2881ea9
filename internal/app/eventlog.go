package app

import (
	"context"
	"log/slog"

	"followbot/internal/engine/queue"
	"followbot/internal/eventbus"
	"followbot/internal/services/dispatch"
)

// startEventLog attaches a log subscriber to the bus so every admission
// decision, dispatch outcome, eviction and reclamation leaves a trace even
// when no external sink is connected.
func (a *App) startEventLog(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(128)
	a.unsubBus = unsub
	log := a.log.With(slog.String("comp", "events"))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				switch ev.Type {
				case eventbus.TypeAdmission:
					if d, ok := ev.Data.(queue.AdmissionEvent); ok && !d.Accepted {
						log.Debug("admission rejected", slog.String("key", d.Key), slog.String("reason", string(d.Reason)), slog.Int("queue_len", d.QueueLen))
					}
				case eventbus.TypeDispatch:
					if d, ok := ev.Data.(dispatch.Event); ok && d.Outcome != dispatch.OutcomeSent {
						log.Debug("dispatch outcome", slog.String("key", d.Key), slog.String("outcome", d.Outcome), slog.String("reason", string(d.Reason)))
					}
				case eventbus.TypeLockReclaim:
					// Already logged by the table at warn; nothing extra.
				}
			}
		}
	}()
}
