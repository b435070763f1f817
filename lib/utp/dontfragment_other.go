//go:build !linux

package utp

import "net"

// setDontFragment is a no-op outside Linux; platforms without
// IP_MTU_DISCOVER fall back to relying on fragmentation/reassembly at the
// IP layer instead of EMSGSIZE-driven MTU probing.
func setDontFragment(conn net.PacketConn) {}
