package imapfetch

import (
	"bufio"
	"io"
)

// sendMessage copies exactly n virtual bytes of message data from r to w. A
// bare LF is sent as CRLF, matching how the virtual sizes were counted.
// Unless the message is known NUL-free, NUL bytes are sent as 0x80, they are
// not valid inside a literal for many clients.
func sendMessage(w io.Writer, r io.Reader, n int64, hasNoNuls bool) error {
	bw := bufio.NewWriter(w)
	br := bufio.NewReader(r)
	var written int64
	var prev byte
	for written < n {
		c, err := br.ReadByte()
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		} else if err != nil {
			return err
		}
		if c == '\n' && prev != '\r' {
			if err := bw.WriteByte('\r'); err != nil {
				return err
			}
			written++
			if written == n {
				break
			}
		}
		prev = c
		if c == 0 && !hasNoNuls {
			c = 0x80
		}
		if err := bw.WriteByte(c); err != nil {
			return err
		}
		written++
	}
	return bw.Flush()
}
