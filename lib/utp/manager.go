package utp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/time/rate"
)

// connKey indexes the live-connection table the way the reference
// manager does: by (remote address, connection_id), where connection_id
// is whatever value a packet's header actually carries — our recv_id for
// everything but a fresh SYN, and SYN's own recv_id+1 once accepted
// (spec §4.E's "NONE -> CONNECTED" derivation).
type connKey struct {
	addr string
	id   uint16
}

const (
	maxDatagramSize   = 65507
	tickPeriod        = 500 * time.Millisecond
	recentlyClosedCap = 4096
	resetLimiterCap   = 4096
)

// Manager is the socket-facing component of spec §4.F: it owns one UDP
// socket, demultiplexes datagrams to Connections by connKey, runs the
// shared tick clock, and is the sole thing a Connection calls back into
// (via connOwner), matching the isolation the design note in spec §9
// asks for. It is itself a suture.Service, the same shape syncthing's
// lib/beacon.Multicast and cmd/syncthing's connectionSvc use to
// supervise long-running network loops.
type Manager struct {
	*suture.Supervisor

	conn net.PacketConn
	pc4  *ipv4.PacketConn
	pc6  *ipv6.PacketConn

	settings Settings
	pl       *Pool
	m        *metrics

	newConns chan *Stream

	mu             sync.Mutex
	conns          map[connKey]*Connection
	deferred       map[*Connection]struct{}
	drained        map[*Connection]struct{}
	writable       map[*Connection]struct{}
	recentlyClosed *lru.Cache[connKey, time.Time]
	resetLimiters  *lru.Cache[string, *rate.Limiter]
}

// NewManager opens a UDP socket on laddr ("udp", "udp4" or "udp6") and
// returns a Manager ready to have its service loops started via Serve.
func NewManager(network, laddr string, settings Settings, reg prometheus.Registerer) (*Manager, error) {
	settings.fillDefaults()

	conn, err := net.ListenPacket(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("utp: listen: %w", err)
	}
	if settings.DontFragment {
		setDontFragment(conn)
	}

	recentlyClosed, _ := lru.New[connKey, time.Time](recentlyClosedCap)
	resetLimiters, _ := lru.New[string, *rate.Limiter](resetLimiterCap)

	mgr := &Manager{
		Supervisor:     suture.NewSimple("utp.Manager"),
		conn:           conn,
		settings:       settings,
		pl:             NewPool(settings.MTUFloor+headerLen+maxSackBytes+2, settings.MTUCeiling+headerLen+maxSackBytes+2),
		m:              newMetrics(reg),
		newConns:       make(chan *Stream, 64),
		conns:          make(map[connKey]*Connection),
		deferred:       make(map[*Connection]struct{}),
		drained:        make(map[*Connection]struct{}),
		writable:       make(map[*Connection]struct{}),
		recentlyClosed: recentlyClosed,
		resetLimiters:  resetLimiters,
	}

	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok && udpAddr.IP.To4() != nil {
		mgr.pc4 = ipv4.NewPacketConn(conn)
		_ = mgr.pc4.SetControlMessage(ipv4.FlagDst, true)
	} else {
		mgr.pc6 = ipv6.NewPacketConn(conn)
		_ = mgr.pc6.SetControlMessage(ipv6.FlagDst, true)
	}

	mgr.Add(serviceFunc(mgr.readLoop))
	mgr.Add(serviceFunc(mgr.tickLoop))
	mgr.Add(serviceFunc(mgr.ackLoop))
	return mgr, nil
}

// serviceFunc adapts a plain func(ctx) error to suture.Service, the same
// trick cmd/syncthing/summaryservice.go uses to avoid a named type for
// every internal loop.
type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Serve(ctx context.Context) error { return f(ctx) }

// LocalAddr returns the manager's bound UDP address.
func (mgr *Manager) LocalAddr() net.Addr { return mgr.conn.LocalAddr() }

// Accept blocks until a peer-initiated connection completes its SYN
// handshake, or ctx is done.
func (mgr *Manager) Accept(ctx context.Context) (*Stream, error) {
	select {
	case s := <-mgr.newConns:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial opens a new outgoing connection to addr and blocks until the SYN
// handshake completes, fails, or ctx is done.
func (mgr *Manager) Dial(ctx context.Context, addr net.Addr) (*Stream, error) {
	// Pick a free recv_id and build+connect the connection before it is
	// reachable from the map at all, so readLoop can never observe it
	// mid-construction: only after connect() returns does any other
	// goroutine get a handle to c (via mgr.conns or the Stream below).
	var recvID uint16
	mgr.mu.Lock()
	for {
		recvID = randomConnID()
		if _, exists := mgr.conns[connKey{addr.String(), recvID}]; !exists {
			break
		}
	}
	mgr.mu.Unlock()

	c := newConnection(mgr, addr, &mgr.settings)
	result := make(chan error, 1)
	c.mu.Lock()
	c.connectHandler = func(err error) { result <- err }
	c.mu.Unlock()
	c.connect(recvID)

	mgr.mu.Lock()
	mgr.conns[connKey{addr.String(), recvID}] = c
	mgr.mu.Unlock()
	mgr.m.connectionsActive.Inc()

	select {
	case err := <-result:
		if err != nil {
			return nil, err
		}
		return &Stream{conn: c}, nil
	case <-ctx.Done():
		c.Destroy()
		return nil, ctx.Err()
	}
}

// readLoop is the manager's single reader goroutine: everything that
// touches Connection state machine fields outside of Stream's mu-guarded
// surface happens here or in tickLoop, matching spec §5's single-writer
// model.
func (mgr *Manager) readLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mgr.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := mgr.readFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				mgr.drainDeferred()
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			l.Debugf("utp: read error: %v", err)
			continue
		}
		mgr.m.packetsReceived.Inc()
		mgr.m.bytesReceived.Add(float64(n))
		mgr.dispatch(time.Now(), addr, buf[:n])
		mgr.drainDeferred()
	}
}

func (mgr *Manager) readFrom(buf []byte) (int, net.Addr, error) {
	switch {
	case mgr.pc4 != nil:
		n, _, addr, err := mgr.pc4.ReadFrom(buf)
		return n, addr, err
	case mgr.pc6 != nil:
		n, _, addr, err := mgr.pc6.ReadFrom(buf)
		return n, addr, err
	default:
		return mgr.conn.ReadFrom(buf)
	}
}

// dispatch implements the manager half of spec §4.E step 1: find (or
// create) the target connection by connKey and hand the datagram to it.
func (mgr *Manager) dispatch(now time.Time, addr net.Addr, buf []byte) {
	h, err := decodeHeader(buf)
	if err != nil || h.Version != protocolVersion || !h.Type.valid() {
		return
	}

	if h.Type == stSyn {
		key := connKey{addr.String(), h.ConnectionID + 1}
		mgr.mu.Lock()
		c, ok := mgr.conns[key]
		if !ok {
			c = newConnection(mgr, addr, &mgr.settings)
			mgr.conns[key] = c
			mgr.mu.Unlock()
			mgr.m.connectionsActive.Inc()
			c.acceptSyn(h)
			mgr.newConns <- &Stream{conn: c}
			return
		}
		mgr.mu.Unlock()
		c.incomingPacket(now, buf)
		return
	}

	key := connKey{addr.String(), h.ConnectionID}
	mgr.mu.Lock()
	c, ok := mgr.conns[key]
	mgr.mu.Unlock()
	if !ok {
		if _, recent := mgr.recentlyClosed.Get(key); recent {
			return
		}
		mgr.sendReset(addr, h.ConnectionID, h.SeqNr)
		return
	}
	c.incomingPacket(now, buf)
}

func (mgr *Manager) sendReset(addr net.Addr, connID, ackSeq uint16) {
	if !mgr.rateAllowReset(addr) {
		mgr.m.resetsRateLimited.Inc()
		return
	}
	h := header{
		Type:         stReset,
		Version:      protocolVersion,
		ConnectionID: connID,
		AckNr:        ackSeq,
	}
	var buf [headerLen]byte
	h.encode(buf[:])
	mgr.sendDatagram(addr, buf[:], false)
	mgr.m.resetsSent.Inc()
}

// drainDeferred flushes connections that asked for a deferred ack or a
// post-processing pass after being touched in this read cycle (spec §9's
// "drained" list: batching avoids re-entrant sends mid-readLoop-pass).
func (mgr *Manager) drainDeferred() {
	mgr.mu.Lock()
	deferred := make([]*Connection, 0, len(mgr.deferred))
	for c := range mgr.deferred {
		deferred = append(deferred, c)
	}
	mgr.deferred = make(map[*Connection]struct{})
	drained := make([]*Connection, 0, len(mgr.drained))
	for c := range mgr.drained {
		drained = append(drained, c)
	}
	mgr.drained = make(map[*Connection]struct{})
	mgr.mu.Unlock()

	for _, c := range deferred {
		c.deferredAck = false
		c.sendPacket(sendOpts{force: true})
	}
	for _, c := range drained {
		c.subscribedDrained = false
		c.maybeCompleteRead()
		c.maybeCompleteWrite()
	}
}

// ackLoop forces out any ack that's been sitting in mgr.deferred for up
// to settings.DelayedAck (spec §6.3's "max delay before forced
// ST_STATE"). readLoop already drains deferred acks after every packet
// it processes, so this only matters once the socket goes idle: without
// it a deferred ack could sit until readLoop's own 1s read-deadline
// timeout, well past DelayedAck.
func (mgr *Manager) ackLoop(ctx context.Context) error {
	ticker := time.NewTicker(mgr.settings.DelayedAck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			mgr.drainDeferred()
		}
	}
}

// tickLoop drives RTO/keep-alive timers and periodic housekeeping (pool
// decay, reaping deleted connections into the recently-closed cache) at a
// fixed cadence, matching libutp's single
// shared tick rather than a per-connection timer goroutine.
func (mgr *Manager) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			mgr.tick(now)
		}
	}
}

func (mgr *Manager) tick(now time.Time) {
	mgr.mu.Lock()
	all := make([]*Connection, 0, len(mgr.conns))
	for _, c := range mgr.conns {
		all = append(all, c)
	}
	writable := make([]*Connection, 0, len(mgr.writable))
	for c := range mgr.writable {
		writable = append(writable, c)
	}
	mgr.writable = make(map[*Connection]struct{})
	mgr.mu.Unlock()

	for _, c := range writable {
		c.stalled = false
		c.sendPacket(sendOpts{})
	}
	for _, c := range all {
		c.Tick(now)
	}

	mgr.pl.Decay()
	mgr.reapDeleted()
}

func (mgr *Manager) reapDeleted() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for key, c := range mgr.conns {
		if c.state == StateDelete {
			delete(mgr.conns, key)
			delete(mgr.deferred, c)
			delete(mgr.drained, c)
			delete(mgr.writable, c)
			mgr.recentlyClosed.Add(key, time.Now())
			mgr.m.connectionsActive.Dec()
		}
	}
}

// --- connOwner ---

func (mgr *Manager) sendDatagram(addr net.Addr, buf []byte, dontFragment bool) (sendResult, error) {
	_ = dontFragment // DF is set once for the whole socket; see dontfragment_*.go
	n, err := mgr.conn.WriteTo(buf, addr)
	if err != nil {
		if errors.Is(err, syscall.EMSGSIZE) {
			return sendMessageTooBig, err
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return sendWouldBlock, err
		}
		return sendErr, err
	}
	mgr.m.packetsSent.Inc()
	mgr.m.bytesSent.Add(float64(n))
	return sendOK, nil
}

func (mgr *Manager) deferAck(c *Connection) {
	mgr.mu.Lock()
	mgr.deferred[c] = struct{}{}
	mgr.mu.Unlock()
}

func (mgr *Manager) subscribeDrained(c *Connection) {
	mgr.mu.Lock()
	mgr.drained[c] = struct{}{}
	mgr.mu.Unlock()
}

func (mgr *Manager) subscribeWritable(c *Connection) {
	mgr.mu.Lock()
	mgr.writable[c] = struct{}{}
	mgr.mu.Unlock()
}

func (mgr *Manager) unsubscribeWritable(c *Connection) {
	mgr.mu.Lock()
	delete(mgr.writable, c)
	mgr.mu.Unlock()
}

func (mgr *Manager) requestDelete(c *Connection) {
	// Actual removal happens in reapDeleted during the next tick, so a
	// connection already mid-iteration in tick() isn't mutated out from
	// under itself.
}

func (mgr *Manager) pool() *Pool { return mgr.pl }

func (mgr *Manager) rateAllowReset(addr net.Addr) bool {
	key := addr.String()
	lim, ok := mgr.resetLimiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(mgr.settings.ResetRateLimit), mgr.settings.ResetRateBurst)
		mgr.resetLimiters.Add(key, lim)
	}
	return lim.Allow()
}

func (mgr *Manager) metrics() *metrics { return mgr.m }

func (mgr *Manager) localAddr() net.Addr { return mgr.conn.LocalAddr() }

func randomConnID() uint16 {
	return uint16(rand.Intn(1 << 16))
}
