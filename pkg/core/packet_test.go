package core

import (
	"bytes"
	"testing"
)

func TestNewPacket(t *testing.T) {
	for _, copyMode := range []bool{true, false} {
		name := "copy=false"
		if copyMode {
			name = "copy=true"
		}
		t.Run(name, func(t *testing.T) {
			SetCopyPackets(copyMode)
			defer SetCopyPackets(false)

			data := []byte{0x45, 0x00, 0x00, 0x14, 0x01}
			p := NewPacket(data)
			if !bytes.Equal(p.Data(), data) {
				t.Fatalf("Data() = %v, want %v", p.Data(), data)
			}
			if p.Length() != len(data) {
				t.Fatalf("Length() = %d, want %d", p.Length(), len(data))
			}

			data[0] = 0xFF
			aliased := p.Data()[0] == 0xFF
			if copyMode && aliased {
				t.Error("packet aliases caller buffer in copy mode")
			}
			if !copyMode && !aliased {
				t.Error("packet copied caller buffer with copy mode off")
			}
		})
	}
}

func TestNilPacket(t *testing.T) {
	p := NewPacket(nil)
	if p.Data() == nil || p.Length() != 0 {
		t.Fatalf("nil packet: data=%v len=%d", p.Data(), p.Length())
	}
}

func TestPooledPacketRelease(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 100)
	p := NewPooledPacket(data)
	if !bytes.Equal(p.Data(), data) {
		t.Fatal("pooled packet lost its contents")
	}
	data[0] = 0
	if p.Data()[0] != 0xAB {
		t.Fatal("pooled packet aliases caller buffer")
	}

	ReleasePacket(p)
	if !p.(*pooledPacket).Released() {
		t.Fatal("packet not marked released")
	}
	if p.Length() != 0 {
		t.Fatalf("released packet still has %d bytes", p.Length())
	}
	// Second release and release of plain packets are no-ops.
	ReleasePacket(p)
	ReleasePacket(NewPacket([]byte{1}))
}

func TestBufferSizeClasses(t *testing.T) {
	cases := []struct {
		n       int
		wantCap int
	}{
		{1, bufSmall},
		{bufSmall, bufSmall},
		{bufSmall + 1, bufLarge},
		{bufLarge + 1, bufLarge + 1},
	}
	for _, c := range cases {
		b := GetBuffer(c.n)
		if len(b) != c.n || cap(b) != c.wantCap {
			t.Errorf("GetBuffer(%d): len=%d cap=%d, want cap %d", c.n, len(b), cap(b), c.wantCap)
		}
		PutBuffer(b)
	}
}

func TestPacketProcessorFunc(t *testing.T) {
	var got int
	var p PacketProcessor = PacketProcessorFunc(func(pkt Packet) error {
		got = pkt.Length()
		return nil
	})
	if err := p.ProcessPacket(NewPacket(make([]byte, 7))); err != nil {
		t.Fatal(err)
	}
	if got != 7 {
		t.Fatalf("got %d", got)
	}
	if err := Discard.ProcessPacket(NewPacket(nil)); err != nil {
		t.Fatal(err)
	}
}
