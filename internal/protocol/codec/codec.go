// Package codec implements the Pulse Codec (C1): conversion between the
// firmware's run-length-encoded IR byte stream and the host-side array of
// pulse/space durations, grounded directly on iguanaDevToPulses and
// pulsesToIguanaSend in original_source/software/usb_ir/protocol.c.
package codec

import (
	"fmt"

	"iguanaird/internal/protocol"
)

// Decode converts a firmware byte stream (as read off the device, or staged
// for transmission) into the Pulse array used everywhere else in the
// daemon. It is the direct translation of iguanaDevToPulses.
func Decode(code []byte) []protocol.Pulse {
	if len(code) == 0 {
		return nil
	}

	pulses := make([]protocol.Pulse, 0, len(code))
	var accum uint32
	inSpace := false

	for x := 0; x <= len(code); x++ {
		if x > 0 {
			atEnd := x == len(code)
			stateChanged := !atEnd && ((code[x]&protocol.StateMask != 0) != inSpace)
			overflow := !atEnd && uint32(code[x]&protocol.LengthMask)+accum > protocol.PulseMask
			if stateChanged || overflow || atEnd {
				value := (accum << 6) / 3
				if !inSpace {
					value |= protocol.PulseBit
				}
				pulses = append(pulses, protocol.Pulse(value))

				if atEnd {
					break
				}
				accum = 0
			}
		}

		if code[x]&protocol.LengthMask == 0 {
			accum += uint32(protocol.MaxPulseLength) + 1
		} else {
			accum += uint32(code[x]&protocol.LengthMask) + 1
		}
		inSpace = code[x]&protocol.StateMask != 0
	}

	return pulses
}

// Encode converts a Pulse array into the firmware byte stream the device
// expects, at the given carrier frequency in Hz. It is the direct
// translation of pulsesToIguanaSend; the original operates in carrier
// kilohertz, hence the /1000 conversion at the call site below.
func Encode(pulses []protocol.Pulse, carrierHz int) ([]byte, error) {
	if carrierHz < protocol.MinCarrierHz || carrierHz > protocol.MaxCarrierHz {
		return nil, fmt.Errorf("codec: carrier %dHz out of range [%d,%d]", carrierHz, protocol.MinCarrierHz, protocol.MaxCarrierHz)
	}
	carrierKHz := float64(carrierHz) / 1000.0

	var out []byte
	inSpace := false
	for _, p := range pulses {
		cycles := uint32(float64(p.Duration())/1000000.0*carrierKHz*1000.0 + 0.5)
		numBytes := cycles/uint32(protocol.MaxDataByte) + 1
		cycles %= uint32(protocol.MaxDataByte)
		// An exact multiple of 127 ends on a full 127 byte rather than a
		// zero-length byte, which Decode would read back as 1024 units.
		if cycles == 0 && numBytes > 1 {
			numBytes--
			cycles = uint32(protocol.MaxDataByte)
		}

		runByte := protocol.LengthMask
		if inSpace {
			runByte |= protocol.StateMask
		}
		for i := uint32(0); i < numBytes-1; i++ {
			out = append(out, runByte)
		}

		last := byte(cycles)
		if inSpace {
			last |= protocol.StateMask
		}
		out = append(out, last)

		inSpace = !inSpace
	}
	return out, nil
}

// DefaultLoopCycles is the fallback loop overhead used for CarrierDelays on
// firmware older than body version 4, which never reports its own cycle
// count via GETFEATURES.
const DefaultLoopCycles = 65

// CarrierDelays computes the two jump-table byte offsets the firmware uses
// to generate a software PWM carrier, per spec.md's decomposition of the
// 24MHz clock into a 7-cycle and a 4-cycle delay loop. carrierHz is clamped
// into [MinCarrierHz, MaxCarrierHz]; clamped reports whether that happened.
func CarrierDelays(carrierHz, loopCycles int) (byteOffset7, byteOffset4 byte, clamped bool) {
	clampedHz := carrierHz
	if clampedHz < protocol.MinCarrierHz {
		clampedHz = protocol.MinCarrierHz
		clamped = true
	} else if clampedHz > protocol.MaxCarrierHz {
		clampedHz = protocol.MaxCarrierHz
		clamped = true
	}

	cycles := int(float64(24_000_000)/(float64(clampedHz)*2) + 0.5)
	remainder := cycles - loopCycles
	if remainder < 0 {
		remainder = 0
	}

	a := (4 - remainder%4) % 4
	if a > 3 {
		a = 3
	}
	b := (remainder - 7*a) / 4
	if b < 0 {
		b = 0
	}

	return byte((4 - a) * 2), byte(110 - b), clamped
}
