package utp

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quietpeer/goutp/internal/semaphore"
	"github.com/quietpeer/goutp/internal/slogutil"
)

// sendResult is what owner.send returns for one datagram transmission
// attempt (spec §4.E step 10).
type sendResult int

const (
	sendOK sendResult = iota
	sendWouldBlock
	sendMessageTooBig
	sendErr
)

// connOwner is the narrow interface a Connection uses to reach its
// manager, per the design note in spec §9: "do not reach from connection
// into manager collections; the connection asks the manager to enlist or
// delist it."
type connOwner interface {
	sendDatagram(addr net.Addr, buf []byte, dontFragment bool) (sendResult, error)
	deferAck(c *Connection)
	subscribeDrained(c *Connection)
	subscribeWritable(c *Connection)
	unsubscribeWritable(c *Connection)
	requestDelete(c *Connection)
	pool() *Pool
	rateAllowReset(addr net.Addr) bool
	metrics() *metrics
	localAddr() net.Addr
}

const (
	maxOutstandingPackets = 2048 // outbuf/inbuf capacity (power of two below)
	reorderWindow         = 512  // spec §4.E step 9: ack_nr < seq <= ack_nr+512
	largeReadThreshold    = 10000
	clockJumpThreshold    = 500000 // microseconds; see ourHistory.AdjustBase use
)

// Connection is the per-flow state machine of spec §3/§4.E: the uTP
// core. Fields are grouped as in spec §3 ("Identity & state",
// "Sequencing", "Windows & timers", "Queues"). mu guards only the subset
// of fields the public Stream API touches from arbitrary caller
// goroutines (write/read queues, handlers, eof/attached flags); the
// congestion-control and wire state machine are touched exclusively by
// the manager's single event-loop goroutine, matching spec §5's
// single-threaded model for everything except the user-facing surface.
type Connection struct {
	mu sync.Mutex

	owner      connOwner
	remoteAddr net.Addr
	settings   *Settings

	// Identity & state
	sendID     uint16
	recvID     uint16
	state      State
	errorCause *Error

	eof               bool
	attached          bool
	nagleEnabled      bool
	slowStart         bool
	cwndFull          bool
	deferredAck       bool
	subscribedDrained bool
	stalled           bool
	initiatedLocally  bool

	// Sequencing
	seqNr           uint16
	ackedSeqNr      uint16
	ackNr           uint16
	fastResendSeqNr uint16
	eofSeqNr        uint16
	lossSeqNr       uint16
	mtuSeq          uint16

	// Windows & timers
	cwnd            int64
	ssthres         int64
	advWnd          int64
	bytesInFlight   int64
	mtu             int
	mtuFloor        int
	mtuCeiling      int
	timeout         time.Time
	lastHistoryStep time.Time
	replyMicro      uint32

	rtt              *slidingAverage
	ourHistory       *timestampHistory
	recvDelay        uint32
	delayHisto       [3]uint32
	delayHistoIdx    int
	delayHistoFilled int

	duplicateAcks int
	numTimeouts   int

	// Queues
	outbuf            *packetBuffer
	inbuf             *packetBuffer
	receiveBuffer     []*packet
	receiveBufferSize int
	inBufSize         int

	nagleOutPkt *packet

	writeQueue      [][]byte
	writeBufferSize int
	written         int
	firstWriteByte  time.Time
	writeHandler    func(n int, err error)

	readQueue      [][]byte
	readBufferSize int
	read           int
	firstReadByte  time.Time
	readHandler    func(n int, err error)

	connectHandler func(err error)

	writeSem *semaphore.Semaphore

	connectDeadline time.Time
}

func newConnection(owner connOwner, remote net.Addr, settings *Settings) *Connection {
	c := &Connection{
		owner:        owner,
		remoteAddr:   remote,
		settings:     settings,
		attached:     true,
		nagleEnabled: true,
		slowStart:    true,
		rtt:          newSlidingAverage(),
		ourHistory:   newTimestampHistory(),
		outbuf:       newPacketBuffer(maxOutstandingPackets),
		inbuf:        newPacketBuffer(maxOutstandingPackets),
		mtuFloor:     settings.MTUFloor,
		mtuCeiling:   settings.MTUCeiling,
		writeSem:     semaphore.New(0),
	}
	c.mtu = c.mtuFloor
	c.cwnd = toFixed(int64(c.mtu))
	c.ssthres = toFixed(1 << 30)
	c.advWnd = toFixed(1 << 20)
	c.inBufSize = 1 << 20
	return c
}

// Stats is a read-only snapshot of connection health, modeled on
// libtorrent's utp_status_t (SPEC_FULL supplemented feature 6).
type Stats struct {
	State            State
	InitiatedLocally bool
	CwndBytes        int64
	SsthresBytes     int64
	BytesInFlight    int64
	MTU              int
	RTTMean          time.Duration
	RTTDeviation     time.Duration
	NumTimeouts      int
	DuplicateAcks    int
	SendDelay        time.Duration
	RecvDelay        time.Duration
}

// Stats is a best-effort snapshot: the congestion-control fields it
// reads are owned by the manager's event-loop goroutine, not by mu (see
// the concurrency note atop Connection), so a Stats call racing a tick
// can observe a torn-but-harmless mix of old and new values. Good enough
// for monitoring; the prometheus metrics are manager-wide counters and
// carry none of these per-connection values.
func (c *Connection) Stats() Stats {
	return Stats{
		State:            c.state,
		InitiatedLocally: c.initiatedLocally,
		CwndBytes:        fromFixed(c.cwnd),
		SsthresBytes:     c.ssthres,
		BytesInFlight:    c.bytesInFlight,
		MTU:              c.mtu,
		RTTMean:          time.Duration(c.rtt.Mean()) * time.Microsecond,
		RTTDeviation:     time.Duration(c.rtt.Deviation()) * time.Microsecond,
		NumTimeouts:      c.numTimeouts,
		DuplicateAcks:    c.duplicateAcks,
		SendDelay:        time.Duration(c.lastDelaySample()) * time.Microsecond,
		RecvDelay:        time.Duration(c.recvDelay) * time.Microsecond,
	}
}

func (c *Connection) setState(s State) {
	l.Debugf("connection %p: %s -> %s", c, c.state, s)
	c.state = s
}

func (c *Connection) fail(kind Kind, cause error) {
	if c.state == StateErrorWait || c.state == StateDelete {
		return
	}
	c.errorCause = newError(kind, cause)
	c.setState(StateErrorWait)
	c.owner.metrics().connectionsFailed.Inc()
	slog.Warn("uTP connection failed",
		slogutil.Address(c.remoteAddr), slogutil.ConnID(c.recvID), slogutil.Error(c.errorCause))
	c.fireAllHandlers(c.errorCause)
	c.maybeScheduleDelete()
}

// fireAllHandlers delivers errorCause (or nil for a clean completion) to
// every outstanding handler exactly once, per spec §7's propagation
// policy, then clears them so a late event can't refire them.
func (c *Connection) fireAllHandlers(err error) {
	c.mu.Lock()
	ch, wh, rh := c.connectHandler, c.writeHandler, c.readHandler
	c.connectHandler, c.writeHandler, c.readHandler = nil, nil, nil
	c.mu.Unlock()

	if ch != nil {
		ch(err)
	}
	if wh != nil {
		wh(c.written, err)
	}
	if rh != nil {
		rh(c.read, err)
	}
}

// maybeScheduleDelete implements spec §3's lifecycle rule: "state ==
// DELETE only when !attached && !stalled", and the manager only deletes
// an unattached, unstalled connection that is in ERROR_WAIT or never-used
// NONE.
func (c *Connection) maybeScheduleDelete() {
	if c.attached || c.stalled {
		return
	}
	if c.state == StateErrorWait || c.state == StateNone {
		c.setState(StateDelete)
		c.owner.requestDelete(c)
	}
}

// Destroy cancels all pending handlers with ErrAborted, sends a FIN if
// connected, and moves state toward DELETE. Synchronous: no completion
// fires after Destroy returns (spec §5 "Cancellation").
func (c *Connection) Destroy() {
	c.mu.Lock()
	wasConnected := c.state == StateConnected || c.state == StateSynSent
	c.attached = false
	c.mu.Unlock()

	if wasConnected {
		c.sendFin()
	}
	c.fireAllHandlers(ErrAborted)
	c.mu.Lock()
	c.maybeScheduleDelete()
	c.mu.Unlock()
}

func (c *Connection) sendFin() {
	if c.state != StateConnected {
		return
	}
	c.setState(StateFinSent)
	c.eofSeqNr = c.seqNr
	c.sendPacket(sendOpts{fin: true, force: true})
}
