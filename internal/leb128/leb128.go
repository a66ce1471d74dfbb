// Package leb128 implements the LEB128 variable-length integer encoding
// used throughout the Wasm binary format, rejecting non-canonical inputs
// (no over-long forms, correct sign extension).
package leb128

import (
	"errors"
	"fmt"
	"io"
)

// ErrOverflow is returned when a LEB128 value decodes to more bits than its
// declared width allows, including non-canonical over-long encodings.
var ErrOverflow = errors.New("leb128: overflow")

// DecodeUint32 decodes an unsigned LEB128 value into a uint32, reading one
// byte at a time from r. It rejects encodings needing more than 32 bits.
func DecodeUint32(r io.ByteReader) (uint32, uint64, error) {
	v, n, err := decodeUint(r, 32)
	return uint32(v), n, err
}

// DecodeUint64 decodes an unsigned LEB128 value into a uint64.
func DecodeUint64(r io.ByteReader) (uint64, uint64, error) {
	return decodeUint(r, 64)
}

// decodeUint decodes an unsigned LEB128 value of at most width bits.
// Returns the value and the number of bytes consumed.
func decodeUint(r io.ByteReader, width int) (result uint64, bytesRead uint64, err error) {
	var shift int
	for {
		b, e := r.ReadByte()
		if e != nil {
			if e == io.EOF && bytesRead > 0 {
				e = io.ErrUnexpectedEOF
			}
			return 0, bytesRead, e
		}
		bytesRead++

		bits := uint64(b & 0x7f)
		if shift >= width {
			return 0, bytesRead, ErrOverflow
		}
		if shift+7 > width {
			// Non-data bits of the final byte must all be zero, or this is
			// a non-canonical/overflowing encoding.
			maxBits := width - shift
			if bits>>uint(maxBits) != 0 {
				return 0, bytesRead, ErrOverflow
			}
		}
		result |= bits << uint(shift)
		shift += 7

		if b&0x80 == 0 {
			return result, bytesRead, nil
		}
	}
}

// DecodeInt32 decodes a signed LEB128 value into an int32.
func DecodeInt32(r io.ByteReader) (int32, uint64, error) {
	v, n, err := decodeInt(r, 32)
	return int32(v), n, err
}

// DecodeInt33AsInt64 decodes a signed LEB128 value of at most 33 bits, as
// used for block-type immediates, sign extended into an int64.
func DecodeInt33AsInt64(r io.ByteReader) (int64, uint64, error) {
	return decodeInt(r, 33)
}

// DecodeInt64 decodes a signed LEB128 value into an int64.
func DecodeInt64(r io.ByteReader) (int64, uint64, error) {
	return decodeInt(r, 64)
}

func decodeInt(r io.ByteReader, width int) (result int64, bytesRead uint64, err error) {
	var shift int
	var b byte
	for {
		var e error
		b, e = r.ReadByte()
		if e != nil {
			if e == io.EOF && bytesRead > 0 {
				e = io.ErrUnexpectedEOF
			}
			return 0, bytesRead, e
		}
		bytesRead++

		if shift >= width {
			return 0, bytesRead, ErrOverflow
		}

		remaining := width - shift
		data := b & 0x7f
		if remaining < 7 {
			// Final byte: every data bit beyond the declared width must equal
			// the sign bit we are about to set (bit `remaining-1`), else this
			// is a non-canonical/overflowing encoding.
			signBit := (data >> uint(remaining-1)) & 1
			var wantMask byte
			if signBit != 0 {
				wantMask = 0x7f &^ ((1 << uint(remaining)) - 1)
			}
			if data&^((1<<uint(remaining))-1) != wantMask {
				return 0, bytesRead, ErrOverflow
			}
		}
		result |= int64(data) << uint(shift)
		shift += 7

		if b&0x80 == 0 {
			break
		}
	}

	// Sign extend if the sign bit of the last byte read is set and shift is
	// still within 64 bits.
	if shift < 64 && (b&0x40) != 0 {
		result |= -1 << uint(shift)
	}
	return result, bytesRead, nil
}

// EncodeUint32 encodes v as unsigned LEB128.
func EncodeUint32(v uint32) []byte {
	return EncodeUint64(uint64(v))
}

// EncodeUint64 encodes v as unsigned LEB128.
func EncodeUint64(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

// EncodeInt32 encodes v as signed LEB128.
func EncodeInt32(v int32) []byte {
	return EncodeInt64(int64(v))
}

// EncodeInt64 encodes v as signed LEB128.
func EncodeInt64(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

// ErrTooLong formats a user-facing error for a value exceeding its intended width.
func ErrTooLong(name string, width int) error {
	return fmt.Errorf("%s: value exceeds %d bits", name, width)
}
