package utp

import (
	"net"
	"time"
)

// Stream is the scatter/gather facade of spec §4.G/§6.2: the public
// handle a caller gets back from Dial/Accept. It owns the underlying
// Connection (spec §9 design note: "the stream is the owner of the
// connection; on drop it sets a detached flag"); there is no back
// pointer from Connection to Stream, only the narrow handler closures
// installed below.
type Stream struct {
	conn *Connection
}

// AddReadBuffer appends buf to the list of buffers the next inbound
// bytes will be scattered into, zero-copy where possible (spec §4.G).
func (s *Stream) AddReadBuffer(buf []byte) {
	c := s.conn
	c.mu.Lock()
	c.readQueue = append(c.readQueue, buf)
	c.readBufferSize += len(buf)
	c.mu.Unlock()
}

// AddWriteBuffer appends buf to the list of buffers gathered into
// outgoing packets (spec §4.G). The actual send is left to the
// manager's event-loop goroutine (subscribeWritable's queue, drained on
// the next tick): sendPacket touches cwnd/outbuf/seqNr and the shared
// packet pool, none of which are safe to call from an arbitrary caller
// goroutine (see the concurrency note atop Connection).
func (s *Stream) AddWriteBuffer(buf []byte) {
	c := s.conn
	c.writeSem.Take(len(buf))
	c.mu.Lock()
	c.writeQueue = append(c.writeQueue, buf)
	c.writeBufferSize += len(buf)
	c.mu.Unlock()
	c.owner.subscribeWritable(c)
}

// SetReadHandler installs a one-shot completion callback for the current
// read-iovec set, firing per the policy in spec §4.G.
func (s *Stream) SetReadHandler(fn func(n int, err error)) {
	c := s.conn
	c.mu.Lock()
	c.readHandler = fn
	c.mu.Unlock()
	c.maybeCompleteRead()
}

// SetWriteHandler installs a one-shot completion callback for the
// current write-iovec set.
func (s *Stream) SetWriteHandler(fn func(n int, err error)) {
	c := s.conn
	c.mu.Lock()
	c.writeHandler = fn
	c.mu.Unlock()
	c.maybeCompleteWrite()
}

// SetConnectHandler installs a one-shot callback fired once the SYN
// handshake completes (or fails).
func (s *Stream) SetConnectHandler(fn func(err error)) {
	c := s.conn
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		fn(nil)
		return
	}
	c.connectHandler = fn
	c.mu.Unlock()
}

// Write blocks until all of p has been queued for transmission (the
// write-buffer gate has zero capacity, so queueing itself never blocks)
// and returns once the manager's event loop has acknowledged the queue.
// It is a synchronous convenience wrapper over AddWriteBuffer +
// SetWriteHandler, the idiomatic io.Writer shape most Go callers expect
// on top of spec §6.2's lower-level async API.
func (s *Stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	done := make(chan struct{})
	var n int
	var err error
	s.AddWriteBuffer(p)
	s.SetWriteHandler(func(wn int, werr error) {
		n, err = wn, werr
		close(done)
	})
	<-done
	return n, err
}

// Read blocks until at least one byte has been delivered into p (or the
// stream errors/EOFs), mirroring io.Reader on top of the same facade.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	done := make(chan struct{})
	var n int
	var err error
	s.AddReadBuffer(p)
	s.SetReadHandler(func(rn int, rerr error) {
		n, err = rn, rerr
		close(done)
	})
	<-done
	return n, err
}

// Close sends a FIN (if connected) and detaches the stream; see
// Connection.Destroy for the precise cancellation semantics (spec §5).
func (s *Stream) Close() error {
	s.conn.Destroy()
	return nil
}

// Drop is an alias for Close, matching spec §6.2's abstract API naming.
func (s *Stream) Drop() error { return s.Close() }

func (s *Stream) LocalAddr() net.Addr  { return s.conn.owner.localAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.conn.remoteAddr }

// SendDelay returns the latest one-way delay sample from us to the peer,
// in microseconds (SPEC_FULL supplemented feature 1).
func (s *Stream) SendDelay() time.Duration {
	return time.Duration(s.conn.lastDelaySample()) * time.Microsecond
}

// RecvDelay returns the latest one-way delay sample from the peer to us.
func (s *Stream) RecvDelay() time.Duration {
	return time.Duration(s.conn.recvDelay) * time.Microsecond
}

// Stats exposes the connection's health snapshot.
func (s *Stream) Stats() Stats { return s.conn.Stats() }
