package feeder

import (
	"context"

	"github.com/pvieira/palaver/internal/bus"
	"github.com/pvieira/palaver/internal/store"
	"go.uber.org/zap"
)

// Feeder handles idempotent persistence of conversation traffic into the
// history log store. It subscribes to "log." events on the bus: live
// messages recorded by conversations and history batches imported by the
// transport.
type Feeder struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewFeeder creates a new persistence feeder.
func NewFeeder(db *store.DB, b *bus.Bus, logger *zap.Logger) *Feeder {
	return &Feeder{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to log events on the bus.
func (f *Feeder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	ch, unsub := f.bus.Subscribe("log.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				f.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the feeder.
func (f *Feeder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Feeder) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case "log.message":
		lm, ok := evt.Payload.(store.LoggedMessage)
		if !ok {
			return
		}
		if err := f.db.InsertMessage(ctx, lm.AccountID, lm.Entity, lm.Message); err != nil {
			f.logger.Error("failed to log message",
				zap.Error(err), zap.String("entity", lm.Entity), zap.String("token", lm.Message.Token))
			return
		}
		f.bus.Publish(bus.NewEvent("history.logged", map[string]string{
			"account": lm.AccountID,
			"entity":  lm.Entity,
		}))
	case "log.history_batch":
		batch, ok := evt.Payload.([]store.LoggedMessage)
		if !ok {
			return
		}
		if err := f.db.InsertBatch(ctx, batch); err != nil {
			f.logger.Error("failed to log history batch", zap.Error(err), zap.Int("count", len(batch)))
			return
		}
		f.logger.Info("history batch logged", zap.Int("messages", len(batch)))
		f.bus.Publish(bus.NewEvent("history.batch_logged", len(batch)))
	}
}
