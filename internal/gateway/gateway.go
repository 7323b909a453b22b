// Package gateway owns the per-process push-channel registry: accepting
// websocket connections, tracking room membership, and delivering broadcasts
// to locally held connections. All registry state is mutated on a single run
// loop; cross-process delivery is the broker adapter's job.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mverbeek/pushgate/internal/apperr"
	"github.com/mverbeek/pushgate/internal/ids"
	"github.com/mverbeek/pushgate/internal/jsoncodec"
	"github.com/mverbeek/pushgate/internal/metrics"
	"github.com/mverbeek/pushgate/internal/settings"
)

var (
	// ErrUnknownConnection reports an operation against a connection id that
	// was never registered or has already disconnected.
	ErrUnknownConnection = errors.New("gateway: unknown connection")

	// ErrShuttingDown reports an operation submitted after shutdown began.
	ErrShuttingDown = errors.New("gateway: shutting down")
)

// Broadcaster is the cross-process fan-out the gateway hands client publishes
// to. Satisfied by the broker adapter.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message) error
}

type membershipRequest struct {
	connID string
	room   string
	reply  chan error
}

type roomsRequest struct {
	connID string
	reply  chan []string
}

// Gateway accepts push-channel connections and serializes every mutation of
// the connection/room registry on its own run loop.
type Gateway struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	register    chan *Conn
	unregister  chan *Conn
	disconnects chan string
	joins       chan membershipRequest
	leaves      chan membershipRequest
	deliveries  chan Message
	roomsReqs   chan roomsRequest
	countReqs   chan chan int

	// Registry state, owned exclusively by the run loop.
	conns    map[string]*Conn
	rooms    map[string]map[string]*Conn
	memberOf map[string]map[string]struct{}

	broadcasterMu sync.RWMutex
	broadcaster   Broadcaster

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Gateway from the immutable settings. Call Run before
// accepting traffic.
func New(cfg *settings.Settings, log *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		log:         log,
		register:    make(chan *Conn),
		unregister:  make(chan *Conn),
		disconnects: make(chan string),
		joins:       make(chan membershipRequest),
		leaves:      make(chan membershipRequest),
		deliveries:  make(chan Message, 64),
		roomsReqs:   make(chan roomsRequest),
		countReqs:   make(chan chan int),
		conns:       make(map[string]*Conn),
		rooms:       make(map[string]map[string]*Conn),
		memberOf:    make(map[string]map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      originChecker(cfg.ClientOrigin, log),
	}
	return g
}

// SetBroadcaster wires the cross-process fan-out. The lifecycle calls this
// after broker attach and before the listening socket opens.
func (g *Gateway) SetBroadcaster(b Broadcaster) {
	g.broadcasterMu.Lock()
	g.broadcaster = b
	g.broadcasterMu.Unlock()
}

func (g *Gateway) getBroadcaster() Broadcaster {
	g.broadcasterMu.RLock()
	defer g.broadcasterMu.RUnlock()
	return g.broadcaster
}

// Run starts the gateway's event loop. It must be called exactly once, in its
// own goroutine; it returns when Shutdown cancels the loop.
func (g *Gateway) Run() {
	defer close(g.done)

	for {
		select {
		case <-g.ctx.Done():
			g.closeAll()
			return

		case c := <-g.register:
			g.handleRegister(c)

		case c := <-g.unregister:
			g.removeConn(c.id)

		case id := <-g.disconnects:
			g.removeConn(id)

		case req := <-g.joins:
			req.reply <- g.handleJoin(req.connID, req.room)

		case req := <-g.leaves:
			req.reply <- g.handleLeave(req.connID, req.room)

		case msg := <-g.deliveries:
			g.deliver(msg)

		case req := <-g.roomsReqs:
			req.reply <- g.handleRooms(req.connID)

		case reply := <-g.countReqs:
			reply <- len(g.conns)
		}
	}
}

// Accept validates the handshake and registers the connection. On failure the
// transport is closed (by the upgrader) and no state is created.
func (g *Gateway) Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake rejection.
		return nil, apperr.NotAuthorized("push-channel handshake rejected").WithCause(err)
	}

	c := &Conn{
		id:   ids.New(),
		sock: sock,
		gw:   g,
		addr: r.RemoteAddr,
		send: make(chan []byte, sendBufferSize),
	}

	select {
	case g.register <- c:
		return c, nil
	case <-g.ctx.Done():
		_ = sock.Close()
		return nil, ErrShuttingDown
	}
}

// Join adds the connection to the room. Idempotent; a stale connection id
// yields ErrUnknownConnection.
func (g *Gateway) Join(connID, room string) error {
	if room == "" {
		return apperr.Validation("room name is required")
	}
	req := membershipRequest{connID: connID, room: room, reply: make(chan error, 1)}
	select {
	case g.joins <- req:
		return <-req.reply
	case <-g.ctx.Done():
		return ErrShuttingDown
	}
}

// Leave removes the connection from the room. Leaving a room the connection
// is not in, or leaving with a stale id, is a no-op.
func (g *Gateway) Leave(connID, room string) error {
	req := membershipRequest{connID: connID, room: room, reply: make(chan error, 1)}
	select {
	case g.leaves <- req:
		return <-req.reply
	case <-g.ctx.Done():
		return ErrShuttingDown
	}
}

// LocalDeliver delivers the message to connections owned by this process that
// match the scope. Cross-process delivery belongs to the broker adapter.
func (g *Gateway) LocalDeliver(msg Message) {
	select {
	case g.deliveries <- msg:
	case <-g.ctx.Done():
	}
}

// Disconnect removes the connection from every room and releases its
// transport. Safe to call twice; the second call is a no-op.
func (g *Gateway) Disconnect(connID string) {
	select {
	case g.disconnects <- connID:
	case <-g.ctx.Done():
	}
}

// Rooms returns a snapshot of the rooms the connection is joined to.
func (g *Gateway) Rooms(connID string) []string {
	req := roomsRequest{connID: connID, reply: make(chan []string, 1)}
	select {
	case g.roomsReqs <- req:
		return <-req.reply
	case <-g.ctx.Done():
		return nil
	}
}

// Len returns the number of currently registered connections.
func (g *Gateway) Len() int {
	reply := make(chan int, 1)
	select {
	case g.countReqs <- reply:
		return <-reply
	case <-g.ctx.Done():
		return 0
	}
}

// Shutdown closes every connection, stops the loop, and waits for the pump
// goroutines up to the timeout.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.cancel()
	<-g.done

	finished := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		g.log.Info("gateway shutdown complete")
		return nil
	case <-time.After(timeout):
		g.log.Warn("gateway shutdown timed out; some pumps may still be running")
		return context.DeadlineExceeded
	}
}

// --- run loop internals; every method below executes on the loop goroutine.

func (g *Gateway) handleRegister(c *Conn) {
	g.conns[c.id] = c
	g.memberOf[c.id] = make(map[string]struct{})
	metrics.ConnectionsOpen.Inc()
	g.log.Info("connection registered", "conn", c.id, "addr", c.addr, "total", len(g.conns))

	if c.sock == nil {
		return
	}
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		c.writePump()
	}()
	go func() {
		defer g.wg.Done()
		c.readPump()
	}()
}

func (g *Gateway) removeConn(id string) {
	c, ok := g.conns[id]
	if !ok {
		return
	}
	delete(g.conns, id)
	for room := range g.memberOf[id] {
		delete(g.rooms[room], id)
		if len(g.rooms[room]) == 0 {
			delete(g.rooms, room)
		}
	}
	delete(g.memberOf, id)
	c.closed = true
	close(c.send)
	metrics.ConnectionsOpen.Dec()
	g.log.Info("connection removed", "conn", id, "total", len(g.conns))
}

func (g *Gateway) handleJoin(connID, room string) error {
	c, ok := g.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	members, ok := g.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		g.rooms[room] = members
	}
	members[connID] = c
	g.memberOf[connID][room] = struct{}{}
	return nil
}

func (g *Gateway) handleLeave(connID, room string) error {
	if _, ok := g.conns[connID]; !ok {
		// Races with disconnect are expected; the connection is already gone.
		return nil
	}
	if members, ok := g.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(g.rooms, room)
		}
	}
	delete(g.memberOf[connID], room)
	return nil
}

func (g *Gateway) handleRooms(connID string) []string {
	rooms := g.memberOf[connID]
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	return out
}

func (g *Gateway) deliver(msg Message) {
	data, err := jsoncodec.Marshal(serverFrame{Event: msg.Event, Payload: json.RawMessage(msg.Payload)})
	if err != nil {
		g.log.Error("failed to encode outbound frame", "event", msg.Event, "err", err)
		return
	}

	var stalled []string
	send := func(c *Conn) {
		if c.closed {
			return
		}
		select {
		case c.send <- data:
		default:
			stalled = append(stalled, c.id)
		}
	}

	switch msg.Scope.Kind {
	case ScopeConnection:
		if c, ok := g.conns[msg.Scope.Target]; ok {
			send(c)
		}
	case ScopeRoom:
		for _, c := range g.rooms[msg.Scope.Target] {
			send(c)
		}
	case ScopeAll:
		for _, c := range g.conns {
			send(c)
		}
	default:
		g.log.Warn("dropping delivery with invalid scope", "kind", string(msg.Scope.Kind))
	}

	// A full outbound buffer means the consumer stopped draining; drop it
	// rather than block the loop.
	for _, id := range stalled {
		metrics.SlowConsumersDropped.Inc()
		g.log.Warn("dropping slow consumer", "conn", id)
		g.removeConn(id)
	}
}

func (g *Gateway) closeAll() {
	for _, c := range g.conns {
		if c.sock != nil {
			_ = c.sock.Close()
		}
	}
	g.log.Info("closed all connections", "count", len(g.conns))
}
