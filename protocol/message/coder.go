package message

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/awinterman/redikv/protocol/kind"
)

// DecodeState says how a Decode call ended.
type DecodeState int

const (
	// Done means a full frame was parsed.
	Done DecodeState = iota
	// NeedMore means the buffer holds only a prefix of a frame. The caller
	// must append more bytes and retry; nothing was consumed.
	NeedMore
	// Malformed means the buffer cannot be a prefix of any well-formed
	// frame. The caller must reset its framing state.
	Malformed
)

func (s DecodeState) String() string {
	switch s {
	case Done:
		return "Done"
	case NeedMore:
		return "NeedMore"
	case Malformed:
		return "Malformed"
	default:
		return "Unknown"
	}
}

// Decode parses one frame from the front of buf. It returns the parsed
// message and the number of bytes consumed, or a NeedMore/Malformed state.
// On NeedMore nothing is consumed and no caller state is touched; append
// more bytes and call again.
//
// Stray CR/LF bytes before the indicator are skipped. They are counted in
// consumed but not in the message's Size, so offset accounting stays tied
// to the frame itself.
func Decode(buf []byte) (msg Message, consumed int, state DecodeState) {
	pos := 0
	for pos < len(buf) && (buf[pos] == '\r' || buf[pos] == '\n') {
		pos++
	}
	if pos == len(buf) {
		return Message{}, 0, NeedMore
	}

	m, n, st := decodeFrame(buf[pos:])
	if st != Done {
		return Message{}, 0, st
	}
	return m, pos + n, Done
}

func decodeFrame(buf []byte) (Message, int, DecodeState) {
	k := kind.Kind(buf[0])
	switch k {
	case kind.SimpleString, kind.Error, kind.Int:
		return decodeSimple(buf, k)
	case kind.BulkString:
		return decodeBulk(buf)
	case kind.Array:
		return decodeArray(buf)
	default:
		return Message{}, 0, Malformed
	}
}

// line returns the text between from and the first CRLF at or after it.
func line(buf []byte, from int) (string, int, bool) {
	i := bytes.Index(buf[from:], []byte(kind.EOL))
	if i < 0 {
		return "", 0, false
	}
	return string(buf[from : from+i]), from + i + len(kind.EOL), true
}

func decodeSimple(buf []byte, k kind.Kind) (Message, int, DecodeState) {
	str, next, ok := line(buf, 1)
	if !ok {
		return Message{}, 0, NeedMore
	}

	m := Message{Kind: k, Size: int64(next)}
	switch k {
	case kind.SimpleString:
		m.Str = str
	case kind.Error:
		m.Error = fmt.Errorf("%s", str)
	case kind.Int:
		i, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return Message{}, 0, Malformed
		}
		m.Int = i
	}
	return m, next, Done
}

func decodeBulk(buf []byte) (Message, int, DecodeState) {
	str, next, ok := line(buf, 1)
	if !ok {
		return Message{}, 0, NeedMore
	}
	runlength, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return Message{}, 0, Malformed
	}
	if runlength < 0 {
		if runlength != -1 {
			return Message{}, 0, Malformed
		}
		return Message{Kind: kind.BulkString, Null: true, Size: int64(next)}, next, Done
	}

	end := next + int(runlength)
	if len(buf) < end+len(kind.EOL) {
		return Message{}, 0, NeedMore
	}
	if string(buf[end:end+len(kind.EOL)]) != kind.EOL {
		return Message{}, 0, Malformed
	}

	consumed := end + len(kind.EOL)
	m := Message{Kind: kind.BulkString, Str: string(buf[next:end]), Size: int64(consumed)}
	return m, consumed, Done
}

// decodeArray parses a run length then that many nested frames. An array
// carries no CRLF of its own; the last nested element's CRLF terminates it.
func decodeArray(buf []byte) (Message, int, DecodeState) {
	str, next, ok := line(buf, 1)
	if !ok {
		return Message{}, 0, NeedMore
	}
	runlength, err := strconv.ParseInt(str, 10, 64)
	if err != nil || runlength < 0 {
		return Message{}, 0, Malformed
	}

	m := Message{Kind: kind.Array}
	pos := next
	for i := int64(0); i < runlength; i++ {
		if pos == len(buf) {
			return Message{}, 0, NeedMore
		}
		elem, n, st := decodeFrame(buf[pos:])
		if st != Done {
			return Message{}, 0, st
		}
		m.Array = append(m.Array, elem)
		pos += n
	}
	m.Size = int64(pos)
	return m, pos, Done
}

// Append encodes m onto dst and returns the extended slice.
func Append(dst []byte, m Message) []byte {
	switch m.Kind {
	case kind.SimpleString:
		dst = append(dst, byte(m.Kind))
		dst = append(dst, m.Str...)
	case kind.Error:
		dst = append(dst, byte(m.Kind))
		dst = append(dst, errString(m)...)
	case kind.Int:
		dst = append(dst, byte(m.Kind))
		dst = strconv.AppendInt(dst, m.Int, 10)
	case kind.BulkString:
		if m.Null {
			return append(dst, "$-1\r\n"...)
		}
		dst = append(dst, byte(m.Kind))
		dst = strconv.AppendInt(dst, int64(len(m.Str)), 10)
		dst = append(dst, kind.EOL...)
		dst = append(dst, m.Str...)
	case kind.Array:
		dst = append(dst, byte(m.Kind))
		dst = strconv.AppendInt(dst, int64(len(m.Array)), 10)
		dst = append(dst, kind.EOL...)
		for i := range m.Array {
			dst = Append(dst, m.Array[i])
		}
		return dst
	}
	return append(dst, kind.EOL...)
}

// Encode writes the wire form of m into w.
func Encode(w io.Writer, m Message) (int, error) {
	return w.Write(Append(nil, m))
}

// Len is the wire length of m.
func Len(m Message) int64 {
	return int64(len(Append(nil, m)))
}

func errString(m Message) string {
	if m.Error == nil {
		return ""
	}
	return m.Error.Error()
}
