package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
)

// FeedState is the connection state of the realtime feed.
type FeedState int32

const (
	FeedDisconnected FeedState = iota
	FeedConnecting
	FeedAuthenticating
	FeedSubscribed
)

func (s FeedState) String() string {
	switch s {
	case FeedConnecting:
		return "connecting"
	case FeedAuthenticating:
		return "authenticating"
	case FeedSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// BarHandler consumes one pushed bar for a symbol. Handlers run on the feed's
// read goroutine, so a slow handler backpressures the connection.
type BarHandler func(symbol string, bar model.FeedBar)

// FeedClient maintains a websocket subscription to the venue's push feed.
// Subscriptions are declarative: UpdateSubscriptions states the full desired
// symbol set and the client reconnects only when the set actually changed.
type FeedClient struct {
	url              string
	apiKey           string
	reconnectDelay   time.Duration
	handshakeTimeout time.Duration
	logger           *zap.Logger

	state    atomic.Int32
	handlers sync.Map // symbol -> BarHandler

	mu            sync.Mutex
	symbols       map[string]struct{}
	loopGen       uint64
	loopCancel    context.CancelFunc
	sessionCancel context.CancelFunc
	resubscribe   bool

	wg         sync.WaitGroup
	reconnects atomic.Int64

	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewFeedClient creates a feed client. It stays disconnected until the first
// non-empty UpdateSubscriptions call.
func NewFeedClient(url, apiKey string, reconnectDelay, handshakeTimeout time.Duration, logger *zap.Logger) *FeedClient {
	c := &FeedClient{
		url:              url,
		apiKey:           apiKey,
		reconnectDelay:   reconnectDelay,
		handshakeTimeout: handshakeTimeout,
		logger:           logger,
		symbols:          make(map[string]struct{}),
	}
	c.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		return conn, err
	}
	return c
}

// State returns the current connection state.
func (c *FeedClient) State() FeedState {
	return FeedState(c.state.Load())
}

// Reconnects returns how many times the client tore a connection down,
// whether for errors or for subscription changes.
func (c *FeedClient) Reconnects() int64 {
	return c.reconnects.Load()
}

// RegisterHandler installs the bar handler for a symbol. Bars for symbols
// without a handler are logged and dropped.
func (c *FeedClient) RegisterHandler(symbol string, h BarHandler) {
	c.handlers.Store(symbol, h)
}

// UnregisterHandler removes a symbol's handler.
func (c *FeedClient) UnregisterHandler(symbol string) {
	c.handlers.Delete(symbol)
}

// UpdateSubscriptions reconciles the connection with the desired symbol set.
// An unchanged set is a no-op. A changed non-empty set tears the session down
// and resubscribes with the full new set; an empty set stops the client.
func (c *FeedClient) UpdateSubscriptions(symbols []string) {
	desired := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		desired[s] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if setsEqual(c.symbols, desired) {
		return
	}
	c.symbols = desired

	if len(desired) == 0 {
		if c.loopCancel != nil {
			c.loopCancel()
			c.loopCancel = nil
		}
		return
	}

	// loopCancel is the liveness marker: it is non-nil exactly while a
	// connection loop is serving the desired set. A loop that was stopped
	// by an empty set may still be winding down here; starting a fresh one
	// is safe because a superseded loop never touches shared state again.
	if c.loopCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.loopCancel = cancel
		c.loopGen++
		c.wg.Add(1)
		go c.run(ctx, c.loopGen)
		return
	}

	// Session replay carries the new set; skip the reconnect delay since
	// the teardown is ours, not a network fault.
	c.resubscribe = true
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
}

// Close stops the client and waits for the connection loop to exit.
func (c *FeedClient) Close() {
	c.mu.Lock()
	c.symbols = make(map[string]struct{})
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *FeedClient) run(ctx context.Context, gen uint64) {
	defer func() {
		c.mu.Lock()
		if c.loopGen == gen {
			c.state.Store(int32(FeedDisconnected))
		}
		c.mu.Unlock()
		c.wg.Done()
	}()

	for {
		c.mu.Lock()
		snapshot := make([]string, 0, len(c.symbols))
		for s := range c.symbols {
			snapshot = append(snapshot, s)
		}
		c.mu.Unlock()
		sort.Strings(snapshot)

		if len(snapshot) == 0 {
			return
		}

		err := c.session(ctx, gen, snapshot)
		if ctx.Err() != nil {
			return
		}
		c.state.Store(int32(FeedDisconnected))
		c.reconnects.Add(1)

		c.mu.Lock()
		intentional := c.resubscribe
		c.resubscribe = false
		c.mu.Unlock()

		if intentional {
			continue
		}

		c.logger.Warn("Feed connection lost, scheduling reconnect",
			zap.Error(err),
			zap.Duration("delay", c.reconnectDelay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

// session runs one connection: dial, authenticate, subscribe the full symbol
// set, then dispatch bars until the connection drops or is cancelled.
func (c *FeedClient) session(ctx context.Context, gen uint64, symbols []string) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Register the cancel hook, then verify the snapshot is still current.
	// A set change before this point is caught here; one after it cancels
	// the session context. A superseded loop must not register: its hook
	// would shadow the live loop's session.
	c.mu.Lock()
	if c.loopGen != gen {
		c.mu.Unlock()
		return fmt.Errorf("connection loop superseded")
	}
	c.sessionCancel = cancel
	stale := !setMatchesSlice(c.symbols, symbols)
	if stale {
		c.resubscribe = true
	}
	c.mu.Unlock()
	if stale {
		return fmt.Errorf("subscription set changed during setup")
	}

	c.state.Store(int32(FeedConnecting))
	conn, err := c.dial(sessCtx, c.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock the reader when the session is cancelled.
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	c.state.Store(int32(FeedAuthenticating))
	if err := conn.WriteJSON(map[string]string{"type": "auth", "api_key": c.apiKey}); err != nil {
		return fmt.Errorf("auth write: %w", err)
	}
	if err := c.expect(conn, model.FeedMsgAuthOK); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if err := conn.WriteJSON(map[string]interface{}{"type": "subscribe", "symbols": symbols}); err != nil {
		return fmt.Errorf("subscribe write: %w", err)
	}
	if err := c.expect(conn, model.FeedMsgSubscribed); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.state.Store(int32(FeedSubscribed))
	c.logger.Info("Feed subscribed", zap.Int("symbols", len(symbols)))

	for {
		var env model.FeedEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(&env)
	}
}

func (c *FeedClient) expect(conn *websocket.Conn, msgType string) error {
	var env model.FeedEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		return err
	}
	if env.Type == model.FeedMsgError {
		return fmt.Errorf("feed error: %s", env.Error)
	}
	if env.Type != msgType {
		return fmt.Errorf("expected %s, got %s", msgType, env.Type)
	}
	return nil
}

func (c *FeedClient) dispatch(env *model.FeedEnvelope) {
	if env.Type != model.FeedMsgBar || env.Bar == nil {
		return
	}
	v, ok := c.handlers.Load(env.Symbol)
	if !ok {
		c.logger.Warn("Dropping bar for unsubscribed symbol", zap.String("symbol", env.Symbol))
		return
	}
	v.(BarHandler)(env.Symbol, *env.Bar)
}

func setMatchesSlice(set map[string]struct{}, symbols []string) bool {
	if len(set) != len(symbols) {
		return false
	}
	for _, s := range symbols {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
