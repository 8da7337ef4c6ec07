package lockstep

import (
	"github.com/usnistgov/lockstep/internal/tseries"
)

// A ScanList is the ordered set of register addresses the device samples
// or drives on every scan tick. Input channels come first, in the order
// that defines the per-scan record layout; enabled stream-out channels
// follow and return no data.
type ScanList struct {
	Addresses []uint16
	Names     []string
	NumInputs int
}

// BuildScanList resolves input channel names and enabled stream-out names
// to device addresses, inputs first. It is a pure function of its
// arguments: call it again whenever the set of enabled outputs changes.
func BuildScanList(inputs, enabledOutputs []string) (*ScanList, error) {
	if len(inputs) == 0 {
		return nil, configErrorf("scan list needs at least one input channel")
	}
	names := make([]string, 0, len(inputs)+len(enabledOutputs))
	names = append(names, inputs...)
	names = append(names, enabledOutputs...)

	sl := &ScanList{
		Addresses: make([]uint16, 0, len(names)),
		Names:     names,
		NumInputs: len(inputs),
	}
	for _, name := range names {
		addr, err := tseries.AddressOf(name)
		if err != nil {
			return nil, configErrorf("scan list entry %q: %v", name, err)
		}
		sl.Addresses = append(sl.Addresses, addr)
	}
	return sl, nil
}
