// Package kernelct reads the kernel's connection tracking table over
// netlink and renders it like the userspace table, for side-by-side
// comparison.
package kernelct

import (
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	"github.com/pkg/errors"
)

// ErrUnsupported is returned on platforms without netfilter.
var ErrUnsupported = errors.New("kernelct: kernel conntrack is only available on linux")

// State maps a kernel TCP conntrack state to the tracker's state. The
// kernel's simultaneous-open SYN_SENT2 is reported as SYN_SENT, and
// LISTEN is unused by the kernel. ok is false for unknown values.
func State(k uint8) (s tcptrack.State, ok bool) {
	switch k {
	case 0:
		return tcptrack.None, true
	case 1, 9:
		return tcptrack.SynSent, true
	case 2:
		return tcptrack.SynRecv, true
	case 3:
		return tcptrack.Established, true
	case 4:
		return tcptrack.FinWait, true
	case 5:
		return tcptrack.CloseWait, true
	case 6:
		return tcptrack.LastAck, true
	case 7:
		return tcptrack.TimeWait, true
	case 8:
		return tcptrack.Close, true
	}
	return tcptrack.None, false
}
