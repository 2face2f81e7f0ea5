// Package types defines shared data types for the dptx tool.
// They are kept free of transport and logging dependencies so that every
// other package can depend on them.
package types

import "fmt"

// Channel is the request/response primitive to the remote DP controller.
// Exactly one request may be outstanding at a time: a Send is followed by
// ValidateReceive and then one or more ReadReceive calls that together consume
// the validated payload.
type Channel interface {
	// Send issues a command with the given payload (which may be empty).
	Send(module, opcode byte, payload []byte) error
	// ValidateReceive confirms the next response belongs to (module, opcode)
	// and carries exactly expected payload bytes.
	ValidateReceive(module, opcode byte, expected int) error
	// ReadReceive copies len(buf) bytes of the validated response payload.
	ReadReceive(buf []byte) error
}

// LinkRate is the link-rate code a DP sink reports (LINK_BW_SET encoding).
type LinkRate byte

// Standard link-rate codes.
const (
	RateRBR  LinkRate = 0x06
	RateHBR  LinkRate = 0x0a
	RateHBR2 LinkRate = 0x14
	RateHBR3 LinkRate = 0x1e
)

// linkRates maps each known code to its nominal rate in units of 10 kbit/s
// per lane, the unit the DRM helpers use (162000 == 1.62 Gbit/s).
var linkRates = map[LinkRate]int{
	RateRBR:  162000,
	RateHBR:  270000,
	RateHBR2: 540000,
	RateHBR3: 810000,
}

// KnownLinkRates lists the standard codes from slowest to fastest.
var KnownLinkRates = []LinkRate{RateRBR, RateHBR, RateHBR2, RateHBR3}

// Known reports whether r is one of the standard link-rate codes.
func (r LinkRate) Known() bool {
	_, ok := linkRates[r]
	return ok
}

// Rate returns the nominal rate for r, or 0 when r is not a standard code.
func (r LinkRate) Rate() int {
	return linkRates[r]
}

// String renders the rate as "2.7 Gbps", or "unknown(0x..)".
func (r LinkRate) String() string {
	rate, ok := linkRates[r]
	if !ok {
		return fmt.Sprintf("unknown(0x%02x)", byte(r))
	}
	return fmt.Sprintf("%g Gbps", float64(rate)/100000)
}

// LinkState is the negotiated link configuration of a transmitter.
// The zero value means the link has never been trained successfully.
type LinkState struct {
	// RateCode is the negotiated link-rate code.
	RateCode LinkRate `json:"rate_code"`
	// Rate is RateCode translated to 10 kbit/s units.
	Rate int `json:"rate"`
	// Lanes is the negotiated lane count.
	Lanes uint8 `json:"lanes"`
}

// Trained reports whether s holds the result of a successful training.
func (s LinkState) Trained() bool {
	return s.Lanes != 0
}

// ValidLaneCount reports whether n is a lane count a DP main link can use.
func ValidLaneCount(n uint8) bool {
	return n == 1 || n == 2 || n == 4
}
