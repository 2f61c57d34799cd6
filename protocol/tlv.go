// Package protocol carries replication traffic between peers: a compact
// TLV (type-length-value) record format, batching primitives, and a
// TCP/TLS/WebSocket connection manager built for constant fan-out of tiny
// messages rather than request/response exchanges.
//
// A record is [type][length][body]. Three header encodings are picked
// automatically from the body size:
//
//   - tiny, 1 byte: '0'+len for bodies of 0..9 bytes (type is normalized
//     away; only produced when the caller passes a lowercase type)
//   - short, 2 bytes: lowercase type + 1-byte length, bodies up to 255
//   - long, 5 bytes: uppercase type + 4-byte little-endian length
//
// Record types are uppercase letters A-Z. Passing a lowercase type to the
// encoders permits the tiny form; uppercase keeps the type explicit.
// Take/TakeAny trust their input (nil returns on malformed data); the Wary
// variants return explicit errors and are for bytes straight off the wire.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrAddressInvalid    = errors.New("netplay: invalid address")
	ErrAddressDuplicated = errors.New("netplay: address already used")
	ErrAddressUnknown    = errors.New("netplay: address unknown")

	ErrIncomplete = errors.New("netplay: incomplete data")
	ErrBadRecord  = errors.New("netplay: bad TLV record format")
)

// ProbeHeader inspects a record header without consuming it. lit is the
// canonical type ('A'-'Z', '0' for tiny, '-' for garbage, 0 for not enough
// bytes yet); hdrlen and bodylen describe the record layout.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	first := data[0]
	switch {
	case first >= '0' && first <= '9': // tiny
		lit = '0'
		bodylen = int(first - '0')
		hdrlen = 1
	case first >= 'a' && first <= 'z': // short
		if len(data) < 2 {
			return
		}
		lit = first - CaseBit
		hdrlen = 2
		bodylen = int(data[1])
	case first >= 'A' && first <= 'Z': // long
		if len(data) < 5 {
			return
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			lit = '-'
			return
		}
		lit = first
		bodylen = int(bl)
		hdrlen = 5
	default:
		lit = '-'
	}
	return
}

// Split consumes whole records from the buffer, leaving any trailing
// partial record in place for the next read.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		if lit == '-' {
			if len(recs) == 0 {
				err = ErrBadRecord
			}
			return
		}
		if lit == 0 { // incomplete header
			return
		}
		if hlen+blen > data.Len() { // incomplete body
			err = errors.Join(ErrIncomplete, fmt.Errorf("record size %d, buffered %d", hlen+blen, data.Len()))
			return
		}

		record := make([]byte, hlen+blen)
		if n, err := data.Read(record); err != nil {
			return recs, err
		} else if n != hlen+blen {
			panic("buffer read fell short of its own length")
		}

		recs = append(recs, record)
	}
	return
}

// AppendHeader writes a record header, picking the shortest encoding the
// type case and body size allow.
func AppendHeader(into []byte, lit byte, bodylen int) (ret []byte) {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("TLV record type is A..Z")
	}
	if bodylen < 10 && (lit&CaseBit) != 0 {
		ret = append(into, byte('0'+bodylen))
	} else if bodylen > 0xff {
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		ret = append(into, biglit)
		ret = binary.LittleEndian.AppendUint32(ret, uint32(bodylen))
	} else {
		ret = append(into, lit|CaseBit, byte(bodylen))
	}
	return ret
}

// Take extracts the body of a record of the given type from trusted data.
// Returns nil body on type mismatch, (nil, data) when incomplete.
func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data // incomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil // wrong type
	}
	body = data[hdrlen : hdrlen+bodylen]
	rest = data[hdrlen+bodylen:]
	return
}

// TakeAny extracts the next record of whatever type from trusted data.
func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	lit = data[0] & ^CaseBit
	body, rest = Take(lit, data)
	return
}

// TakeWary is Take for untrusted data, with explicit errors.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	body = data[hdrlen : hdrlen+bodylen]
	rest = data[hdrlen+bodylen:]
	return
}

// TakeAnyWary is TakeAny for untrusted data.
func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	lit = data[0] & ^CaseBit
	body, rest, err = TakeWary(lit, data)
	return
}

// TotalLen sums the lengths of the given slices.
func TotalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

// Lit returns the canonical record type of an encoded record.
func Lit(rec []byte) byte {
	b := rec[0]
	switch {
	case b >= 'a' && b <= 'z':
		return b - CaseBit
	case b >= 'A' && b <= 'Z':
		return b
	case b >= '0' && b <= '9':
		return '0'
	default:
		return '-'
	}
}

// Append appends a complete record to the buffer.
func Append(into []byte, lit byte, body ...[]byte) (res []byte) {
	total := TotalLen(body)
	res = AppendHeader(into, lit, total)
	for _, b := range body {
		res = append(res, b...)
	}
	return res
}

// Record builds a complete record in a fresh buffer.
func Record(lit byte, body ...[]byte) []byte {
	total := TotalLen(body)
	ret := make([]byte, 0, total+5)
	ret = AppendHeader(ret, lit, total)
	for _, b := range body {
		ret = append(ret, b...)
	}
	return ret
}

// TinyRecord builds a record permitting the tiny encoding.
func TinyRecord(lit byte, body []byte) (tiny []byte) {
	return Record(lit|CaseBit, body)
}

// Join concatenates records.
func Join(records ...[]byte) (ret []byte) {
	for _, rec := range records {
		ret = append(ret, rec...)
	}
	return
}

// Concat is Join with a single pre-allocation.
func Concat(msg ...[]byte) []byte {
	total := TotalLen(msg)
	ret := make([]byte, 0, total)
	for _, b := range msg {
		ret = append(ret, b...)
	}
	return ret
}

// OpenHeader starts a record whose body is appended incrementally; the
// returned bookmark is passed to CloseHeader once the body is complete.
// Always uses the long 5-byte header.
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	lit &= ^CaseBit
	if lit < 'A' || lit > 'Z' {
		panic("TLV record type is A..Z")
	}
	res = append(buf, lit, 0, 0, 0, 0)
	return len(res), res
}

// CloseHeader finalizes a record started with OpenHeader by writing the
// actual body length into the reserved slot.
func CloseHeader(buf []byte, bookmark int) {
	if bookmark < 5 || len(buf) < bookmark {
		panic("CloseHeader bookmark does not match OpenHeader")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}
