package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/eventtrack/internal/timeutil"
)

// Address-event wire layout. Each event is two little-endian 32-bit words:
//
//	stamp word:   bit31 set, bits 0-23 stamp
//	address word: bit31 clear, bit0 polarity, bits 1-11 x, bits 12-22 y,
//	              bits 23-25 channel
const (
	AEWordSize  = 4
	AEEventSize = 2 * AEWordSize

	stampTag  = uint32(1) << 31
	coordBits = 11
	coordMask = uint32(1)<<coordBits - 1
	xShift    = 1
	yShift    = xShift + coordBits
	chanShift = yShift + coordBits
	chanMask  = uint32(MaxChannels - 1)

	// MaxAECoord is the largest x or y the wire layout can carry.
	MaxAECoord = int(coordMask)
)

var (
	ErrTruncated  = errors.New("truncated address-event buffer")
	ErrStampTag   = errors.New("stamp word missing tag bit")
	ErrAddressTag = errors.New("address word has tag bit set")
	ErrLineFormat = errors.New("malformed event line")
)

// DecodeAE decodes a buffer of address-event pairs. The buffer must hold a
// whole number of events; the first bad pair aborts decoding.
func DecodeAE(b []byte) ([]Event, error) {
	if len(b)%AEEventSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	out := make([]Event, 0, len(b)/AEEventSize)
	for off := 0; off < len(b); off += AEEventSize {
		ts := binary.LittleEndian.Uint32(b[off:])
		addr := binary.LittleEndian.Uint32(b[off+AEWordSize:])
		if ts&stampTag == 0 {
			return nil, fmt.Errorf("%w at event %d", ErrStampTag, off/AEEventSize)
		}
		if addr&stampTag != 0 {
			return nil, fmt.Errorf("%w at event %d", ErrAddressTag, off/AEEventSize)
		}
		out = append(out, Event{
			Stamp:    ts & timeutil.StampMask,
			Polarity: addr&1 == 1,
			X:        uint16(addr >> xShift & coordMask),
			Y:        uint16(addr >> yShift & coordMask),
			Channel:  uint8(addr >> chanShift & chanMask),
		})
	}
	return out, nil
}

// EncodeAE appends the wire form of events to dst.
func EncodeAE(dst []byte, events []Event) []byte {
	for _, e := range events {
		addr := uint32(e.X)&coordMask<<xShift |
			uint32(e.Y)&coordMask<<yShift |
			uint32(e.Channel)&chanMask<<chanShift
		if e.Polarity {
			addr |= 1
		}
		dst = binary.LittleEndian.AppendUint32(dst, stampTag|e.Stamp&timeutil.StampMask)
		dst = binary.LittleEndian.AppendUint32(dst, addr)
	}
	return dst
}

// ParseLine parses the text form "x y polarity channel stamp" used by serial
// sources. Fields may be separated by spaces or commas.
func ParseLine(line string) (Event, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) != 5 {
		return Event{}, fmt.Errorf("%w: want 5 fields, got %d", ErrLineFormat, len(fields))
	}
	var vals [5]uint64
	limits := [5]int{16, 16, 1, 8, timeutil.StampBits}
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("%w: field %d: %v", ErrLineFormat, i, err)
		}
		if v >= 1<<limits[i] {
			return Event{}, fmt.Errorf("%w: field %d out of range: %d", ErrLineFormat, i, v)
		}
		vals[i] = v
	}
	return Event{
		X:        uint16(vals[0]),
		Y:        uint16(vals[1]),
		Polarity: vals[2] == 1,
		Channel:  uint8(vals[3]),
		Stamp:    uint32(vals[4]),
	}, nil
}

// FormatLine is the inverse of ParseLine.
func FormatLine(e Event) string {
	return fmt.Sprintf("%d %d %d %d %d", e.X, e.Y, e.Pol(), e.Channel, e.Stamp)
}
