package utp

import "github.com/quietpeer/goutp/internal/slogutil"

// l is the package-wide logging facility, registered the same way
// lib/beacon/debug.go registers "beacon" with syncthing's logger: one
// adapter per package, giving terse Debugln/Debugf call sites plus
// per-package level control via GOUTPTRACE.
var l = slogutil.NewAdapter("uTP connection lifecycle, congestion control and MTU discovery")
