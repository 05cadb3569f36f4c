package wa

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pvieira/palaver/internal/bus"
	"github.com/pvieira/palaver/internal/chat"
	"github.com/pvieira/palaver/internal/session"
	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// ChannelHandler is invoked whenever the adapter materializes a channel it
// does not already track, either because the remote party opened it or
// because a local request created it. Handlers run on whatsmeow's event
// goroutine and must marshal onto the core loop themselves.
type ChannelHandler func(acct chat.Account, ch chat.Channel, requests []chat.Request)

// Adapter wraps the whatsmeow client and exposes it as a channel provider.
// It owns the per-chat channel registry and the unacknowledged queues.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	bus       *bus.Bus
	logger    *zap.Logger
	session   string

	mu       sync.Mutex
	channels map[string]*Channel
	handler  ChannelHandler
	connSubs map[int]func(bool)
	nextSub  int

	account *Account
}

// NewAdapter creates a new WhatsApp adapter for the given session.
func NewAdapter(ctx context.Context, sessionName string, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("Palaver", [3]uint32{0, 1, 0})

	dbPath := session.TransportDBPath(sessionName)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	a := &Adapter{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		bus:       b,
		logger:    logger,
		session:   sessionName,
		channels:  make(map[string]*Channel),
		connSubs:  make(map[int]func(bool)),
	}
	a.account = &Account{a: a}
	a.client.AddEventHandler(a.handleEvent)
	return a, nil
}

// Account returns the single account handle this adapter serves.
func (a *Adapter) Account() chat.Account {
	return a.account
}

// Manager returns an AccountManager view over this adapter.
func (a *Adapter) Manager() chat.AccountManager {
	return accountManager{a: a}
}

// SetChannelHandler installs the callback fired for newly tracked channels.
func (a *Adapter) SetChannelHandler(h ChannelHandler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the WhatsApp connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// GetQRChannel returns the QR channel for pairing. Must be called before Connect.
func (a *Adapter) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// channelFor returns the tracked channel for the chat JID, creating and
// registering one when absent. The second return reports creation.
func (a *Adapter) channelFor(jid types.JID, requested bool) (*Channel, bool) {
	normalized := jid.ToNonAD()
	key := normalized.String()

	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.channels[key]; ok {
		return ch, false
	}

	ht := chat.HandleContact
	if normalized.Server == types.GroupServer {
		ht = chat.HandleRoom
	}
	ch := &Channel{
		a:          a,
		jid:        normalized,
		handleType: ht,
		requested:  requested,
		valid:      true,
		subs:       make(map[int]chat.ChannelEvents),
	}
	a.channels[key] = ch
	return ch, true
}

func (a *Adapter) lookupChannel(jid types.JID) *Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channels[jid.ToNonAD().String()]
}

func (a *Adapter) dropChannel(key string) {
	a.mu.Lock()
	delete(a.channels, key)
	a.mu.Unlock()
}

func (a *Adapter) notifyHandler(ch *Channel, requests []chat.Request) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h == nil {
		a.logger.Debug("no channel handler installed, channel parked",
			zap.String("target", ch.TargetID()))
		return
	}
	h(a.account, ch, requests)
}

func (a *Adapter) subscribeConnection(fn func(bool)) func() {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.connSubs[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.connSubs, id)
		a.mu.Unlock()
	}
}

func (a *Adapter) connectionChanged(connected bool) {
	a.mu.Lock()
	subs := make([]func(bool), 0, len(a.connSubs))
	for _, fn := range a.connSubs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()
	for _, fn := range subs {
		fn(connected)
	}
}

func (a *Adapter) invalidateAll(reason error) {
	a.mu.Lock()
	chans := make([]*Channel, 0, len(a.channels))
	for _, ch := range a.channels {
		chans = append(chans, ch)
	}
	a.mu.Unlock()
	for _, ch := range chans {
		ch.invalidate(reason)
	}
}

// markRead relays read receipts for the given message IDs to the server.
func (a *Adapter) markRead(ids []types.MessageID, ts time.Time, chatJID, sender types.JID) error {
	return a.client.MarkRead(context.Background(), ids, ts, chatJID, sender)
}
