package wireguard

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

const teeSnapLen = 65535

// Tee writes plaintext frames to a raw-IP pcap stream.
type Tee struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
	errs   uint64
}

// OpenTee creates the capture file at path.
func OpenTee(path string) (*Tee, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	t, err := NewTee(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	t.closer = f
	return t, nil
}

// NewTee writes a pcap file header to w and returns a tee writing to it.
func NewTee(w io.Writer) (*Tee, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(teeSnapLen, layers.LinkTypeRaw); err != nil {
		return nil, err
	}
	return &Tee{w: pw, now: time.Now}, nil
}

// WritePacket appends one frame. Write errors are counted, not returned.
func (t *Tee) WritePacket(b []byte) {
	if len(b) == 0 {
		return
	}
	capLen := len(b)
	if capLen > teeSnapLen {
		capLen = teeSnapLen
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     t.now(),
		CaptureLength: capLen,
		Length:        len(b),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return
	}
	if err := t.w.WritePacket(ci, b[:capLen]); err != nil {
		t.errs++
	}
}

// Errors returns the number of failed writes.
func (t *Tee) Errors() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errs
}

// Close stops the tee and closes the file opened by OpenTee.
func (t *Tee) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w = nil
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
