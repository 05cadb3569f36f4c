package daemon

import (
	"context"
	"fmt"

	"github.com/pvieira/palaver/internal/bus"
	"github.com/pvieira/palaver/internal/chat"
	"github.com/pvieira/palaver/internal/eventloop"
	"github.com/pvieira/palaver/internal/feeder"
	"github.com/pvieira/palaver/internal/filter"
	"github.com/pvieira/palaver/internal/history"
	"github.com/pvieira/palaver/internal/lock"
	"github.com/pvieira/palaver/internal/logging"
	"github.com/pvieira/palaver/internal/registry"
	"github.com/pvieira/palaver/internal/session"
	"github.com/pvieira/palaver/internal/status"
	"github.com/pvieira/palaver/internal/store"
	"github.com/pvieira/palaver/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	// ScrollbackLimit caps how many persisted messages load into a freshly
	// bound conversation. Zero means the built-in default.
	ScrollbackLimit int
	// ForceOpen asks the history index to focus the first channel it
	// handles, once.
	ForceOpen bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideLoop,
			provideChain,
			provideAdapter,
			provideFeeder,
			provideRegistry,
			provideHistoryIndex,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.HistoryDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("history store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideLoop() *eventloop.Loop {
	return eventloop.New()
}

func provideChain() *filter.Chain {
	return filter.Default()
}

func provideAdapter(p Params, b *bus.Bus, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), p.SessionName, b, logger)
}

func provideFeeder(db *store.DB, b *bus.Bus, logger *zap.Logger) *feeder.Feeder {
	return feeder.NewFeeder(db, b, logger)
}

func provideRegistry(p Params, db *store.DB, chain *filter.Chain, loop *eventloop.Loop, b *bus.Bus, logger *zap.Logger) *registry.Registry {
	var reg *registry.Registry
	reg = registry.New(registry.Options{
		// No secondary handler process exists; delegation releases the
		// channel and logs where it went.
		Delegator: chat.DelegatorFunc(func(acct chat.Account, ch chat.Channel) error {
			logger.Info("delegating channel",
				zap.String("target", ch.TargetID()),
				zap.String("account", acct.ID()))
			return nil
		}),
		Store:           db,
		Chain:           chain,
		Poster:          loop,
		Logger:          logger,
		ScrollbackLimit: p.ScrollbackLimit,
		Events: registry.Events{
			Inserted:      func(idx int) { b.Publish(bus.NewEvent("conv.inserted", idx)) },
			Removed:       func(idx int) { b.Publish(bus.NewEvent("conv.removed", idx)) },
			Changed:       func(idx int) { b.Publish(bus.NewEvent("conv.changed", idx)) },
			ActiveChanged: func(idx int) { b.Publish(bus.NewEvent("conv.active_changed", idx)) },
			CloseRequested: func(idx int) {
				// The daemon is the hosting layer; honor close requests
				// immediately. Resolve the conversation identity now: removal
				// re-enters through the loop and the index may have shifted
				// by the time the posted closure runs.
				conv := reg.At(idx)
				loop.Post(func() { reg.RemoveConversation(conv) })
			},
			MessageLogged: func(accountID, entity string, msg chat.Message) {
				b.Publish(bus.NewEvent("log.message", store.LoggedMessage{
					AccountID: accountID,
					Entity:    entity,
					Message:   msg,
				}))
			},
		},
	})
	return reg
}

func provideHistoryIndex(p Params, db *store.DB, adapter *wa.Adapter, chain *filter.Chain, loop *eventloop.Loop, b *bus.Bus, logger *zap.Logger) *history.Index {
	return history.New(history.Options{
		Store:           db,
		Accounts:        adapter.Manager(),
		Chain:           chain,
		Poster:          loop,
		Logger:          logger,
		ScrollbackLimit: p.ScrollbackLimit,
		ForceOpen:       p.ForceOpen,
		Events: history.Events{
			RowInserted:    func(idx int) { b.Publish(bus.NewEvent("index.row_inserted", idx)) },
			RowChanged:     func(idx int) { b.Publish(bus.NewEvent("index.row_changed", idx)) },
			FocusRequested: func(idx int) { b.Publish(bus.NewEvent("index.focus_requested", idx)) },
		},
	})
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, loop *eventloop.Loop, adapter *wa.Adapter, f *feeder.Feeder, reg *registry.Registry, ix *history.Index, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			loop.Start(runCtx)
			f.Start(runCtx)
			go watchStatus(runCtx, b, machine)

			// Every channel the transport hands over funnels through the
			// single-threaded loop into both collections.
			adapter.SetChannelHandler(func(acct chat.Account, ch chat.Channel, requests []chat.Request) {
				loop.Post(func() {
					reg.HandleChannels(acct, ch, requests)
					ix.HandleChannel(acct, ch)
				})
			})

			ix.Seed(runCtx)

			if adapter.IsLoggedIn() {
				_ = machine.Transition(status.Connecting)
				go func() {
					if err := adapter.Connect(); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
						_ = machine.Transition(status.Error)
					}
				}()
			} else {
				logger.Info("no credentials found, auth required")
				_ = machine.Transition(status.AuthRequired)
				go runQRAuth(runCtx, adapter, machine, logger)
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			f.Stop()
			adapter.Disconnect()
			reg.Shutdown()
			loop.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// watchStatus drives the daemon state machine from session lifecycle events.
func watchStatus(ctx context.Context, b *bus.Bus, machine *status.Machine) {
	ch, unsub := b.Subscribe("session.", 64)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			switch evt.Kind {
			case "session.connected":
				if machine.Current() == status.AuthRequired {
					_ = machine.Transition(status.Connecting)
				}
				_ = machine.Transition(status.Ready)
			case "session.disconnected":
				_ = machine.Transition(status.Reconnecting)
			case "session.logged_out":
				_ = machine.Transition(status.AuthRequired)
			}
		case <-ctx.Done():
			return
		}
	}
}

// runQRAuth drives first-run pairing, printing the QR code to stdout.
func runQRAuth(ctx context.Context, adapter *wa.Adapter, machine *status.Machine, logger *zap.Logger) {
	events, err := adapter.StartQRAuth(ctx)
	if err != nil {
		logger.Error("QR auth failed to start", zap.Error(err))
		_ = machine.Transition(status.Error)
		return
	}
	for evt := range events {
		switch evt.Type {
		case wa.AuthEventQRCode:
			block, err := wa.RenderQR(evt.QRCode)
			if err != nil {
				logger.Error("failed to render QR code", zap.Error(err))
				continue
			}
			fmt.Println("Scan this QR code with WhatsApp on your phone:")
			fmt.Println(block)
		case wa.AuthEventAuthenticated:
			logger.Info("authenticated")
			_ = machine.Transition(status.Connecting)
		case wa.AuthEventTimeout, wa.AuthEventAuthFailed:
			logger.Error("QR auth failed", zap.String("message", evt.Message))
			_ = machine.Transition(status.Error)
		}
	}
}
