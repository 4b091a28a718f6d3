package core

import "sync"

// Buffer size classes. Anything larger is allocated directly and never
// pooled.
const (
	bufSmall = 2048
	bufLarge = 16384
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, bufSmall); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, bufLarge); return &b }}
)

// GetBuffer returns a slice of length n, from the pool when n fits a size
// class.
func GetBuffer(n int) []byte {
	switch {
	case n <= bufSmall:
		p := poolSmall.Get().(*[]byte)
		return (*p)[:n]
	case n <= bufLarge:
		p := poolLarge.Get().(*[]byte)
		return (*p)[:n]
	}
	return make([]byte, n)
}

// PutBuffer returns b to its pool. Buffers that did not come from
// GetBuffer are ignored.
func PutBuffer(b []byte) {
	switch cap(b) {
	case bufSmall:
		bb := b[:bufSmall]
		poolSmall.Put(&bb)
	case bufLarge:
		bb := b[:bufLarge]
		poolLarge.Put(&bb)
	}
}
