//go:build !linux

package kernelct

import "github.com/irctrakz/wgconntrack/pkg/conntrack"

// Dump is not available off linux.
func Dump() ([]conntrack.EntryInfo, error) {
	return nil, ErrUnsupported
}
