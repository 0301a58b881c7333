package stream

import (
	"github.com/fxamacker/cbor/v2"
)

// maxWindowExponent bounds the flow-control exponent.
const maxWindowExponent = 31

// windowSettings is the CBOR payload carried inside a SETTINGS frame to
// advertise the receiver's flow-control window as an exponent rather than
// a raw byte count.
type windowSettings struct {
	WindowExponent uint8 `cbor:"we"`
}

func encodeWindowSettings(exp uint8) []byte {
	if exp > maxWindowExponent {
		exp = maxWindowExponent
	}
	b, err := cbor.Marshal(windowSettings{WindowExponent: exp})
	if err != nil {
		return nil
	}
	return b
}

func decodeWindowSettings(payload []byte) (uint8, bool) {
	var ws windowSettings
	if err := cbor.Unmarshal(payload, &ws); err != nil {
		return 0, false
	}
	if ws.WindowExponent > maxWindowExponent {
		return 0, false
	}
	return ws.WindowExponent, true
}

func windowBytesFor(exp uint8) uint64 {
	return uint64(1) << exp
}

// exponentFor picks the largest exponent whose window does not exceed
// budget, used when advertising our own receive window.
func exponentFor(budget uint64) uint8 {
	exp := uint8(0)
	for exp < maxWindowExponent && windowBytesFor(exp+1) <= budget {
		exp++
	}
	return exp
}
