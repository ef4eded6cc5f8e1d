// Package rfcomm dials SPP peers over raw RFCOMM sockets, bypassing the
// BlueZ profile manager. The peer's SPP channel must be known up front.
package rfcomm

import (
    "fmt"
    "net"
)

// DefaultChannel is the RFCOMM channel most SPP peripherals listen on.
const DefaultChannel uint8 = 1

// ParseAddr converts "AA:BB:CC:DD:EE:FF" into the little-endian BD_ADDR
// layout the kernel expects in sockaddr_rc.
func ParseAddr(s string) ([6]byte, error) {
    var b [6]byte
    hw, err := net.ParseMAC(s)
    if err != nil {
        return b, fmt.Errorf("rfcomm: parse address %q: %w", s, err)
    }
    if len(hw) != 6 {
        return b, fmt.Errorf("rfcomm: address %q is not 48-bit", s)
    }
    for i := 0; i < 6; i++ {
        b[i] = hw[5-i]
    }
    return b, nil
}

// channelsOrDefault returns the channels to try in order.
func channelsOrDefault(chs []uint8) []uint8 {
    out := make([]uint8, 0, len(chs))
    for _, c := range chs {
        // valid RFCOMM server channels are 1..30
        if c >= 1 && c <= 30 {
            out = append(out, c)
        }
    }
    if len(out) == 0 {
        out = append(out, DefaultChannel)
    }
    return out
}
