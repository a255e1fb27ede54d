package tailer

import "bytes"

// line is one framed payload and the number of file bytes it consumed,
// including the newline when present.
type line struct {
	payload []byte
	n       int
}

// split frames buf on '\n'. Payloads longer than limit are cut into limit-sized
// pieces. The unterminated remainder is returned as rest.
func split(buf []byte, limit int) (lines []line, rest []byte) {
	for len(buf) > 0 {
		i := bytes.IndexByte(buf, '\n')
		switch {
		case i >= 0 && i <= limit:
			lines = append(lines, line{payload: buf[:i], n: i + 1})
			buf = buf[i+1:]
		case i > limit || (i < 0 && len(buf) > limit):
			lines = append(lines, line{payload: buf[:limit], n: limit})
			buf = buf[limit:]
		default:
			return lines, buf
		}
	}
	return lines, nil
}
