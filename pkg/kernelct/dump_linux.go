//go:build linux

package kernelct

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	"github.com/pkg/errors"
	nfct "github.com/ti-mo/conntrack"
)

// Dump returns the kernel's IPv4 TCP connections.
func Dump() ([]conntrack.EntryInfo, error) {
	c, err := nfct.Dial(nil)
	if err != nil {
		return nil, errors.Wrap(err, "kernelct: dial")
	}
	defer c.Close()

	flows, err := c.Dump(nil)
	if err != nil {
		return nil, errors.Wrap(err, "kernelct: dump")
	}
	out := make([]conntrack.EntryInfo, 0, len(flows))
	for _, f := range flows {
		if info, ok := flowInfo(f); ok {
			out = append(out, info)
		}
	}
	return out, nil
}

// flowInfo converts an IPv4 TCP flow. Flows of other protocols are
// skipped.
func flowInfo(f nfct.Flow) (conntrack.EntryInfo, bool) {
	if f.TupleOrig.Proto.Protocol != 6 || !f.TupleOrig.IP.SourceAddress.Is4() {
		return conntrack.EntryInfo{}, false
	}
	info := conntrack.EntryInfo{
		ID:       flowID(f.ID),
		Original: tuple(f.TupleOrig),
		Reply:    tuple(f.TupleReply),
		Created:  f.Timestamp.Start,
		Expires:  time.Duration(f.Timeout) * time.Second,
		Packets:  [2]uint64{f.CountersOrig.Packets, f.CountersReply.Packets},
		Bytes:    [2]uint64{f.CountersOrig.Bytes, f.CountersReply.Bytes},
	}
	if f.ProtoInfo.TCP != nil {
		info.State, _ = State(f.ProtoInfo.TCP.State)
	}
	if f.Status.SeenReply() {
		info.Status |= tcptrack.StatusSeenReply
	}
	if f.Status.Assured() {
		info.Status |= tcptrack.StatusAssured
	}
	return info, true
}

func tuple(t nfct.Tuple) conntrack.Tuple {
	return conntrack.Tuple{
		Src:   t.IP.SourceAddress,
		Dst:   t.IP.DestinationAddress,
		Proto: t.Proto.Protocol,
		Ports: tcptrack.Tuple{SrcPort: t.Proto.SourcePort, DstPort: t.Proto.DestinationPort},
	}
}

// flowID derives a stable identifier from the kernel's 32-bit flow id.
func flowID(id uint32) uuid.UUID {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return uuid.NewSHA1(uuid.NameSpaceOID, b[:])
}
