//go:build linux

package utp

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setDontFragment puts the socket into "always discover path MTU" mode,
// so outgoing datagrams carry the DF bit and a too-big packet comes back
// as EMSGSIZE instead of being fragmented in flight. This is set once for
// the whole socket rather than per datagram: Linux has no per-sendto DF
// override comparable to BSD's IP_DONTFRAG control message, so the MTU
// prober (spec §4.E "Path-MTU discovery") relies on EMSGSIZE alone.
func setDontFragment(conn net.PacketConn) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	rawConn, err := sc.SyscallConn()
	if err != nil {
		return
	}
	_ = rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DO)
	})
}
