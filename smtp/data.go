package smtp

import (
	"bufio"
	"errors"
	"io"
)

var ErrCRLF = errors.New("invalid bare carriage return or newline")

var errMissingCRLF = errors.New("missing crlf at end of message")

// DataWrite writes message r to the SMTP connection w for the DATA command:
// lines starting with a dot get an extra dot, and the terminating ".\r\n" is
// written at the end. Lines must end in CRLF, the message must end with a line
// ending.
func DataWrite(w io.Writer, r io.Reader) error {
	br := bufio.NewReaderSize(r, 8*1024)
	bol := true // At beginning of line.
	cr := false // Previous byte was a carriage return.
	for {
		// Long lines come in multiple chunks, only the first can need a dot.
		chunk, err := br.ReadSlice('\n')
		if err != nil && err != bufio.ErrBufferFull && err != io.EOF {
			return err
		}
		for _, c := range chunk {
			if cr != (c == '\n') {
				return ErrCRLF
			}
			cr = c == '\r'
		}
		if len(chunk) > 0 {
			if bol && chunk[0] == '.' {
				if _, err := w.Write([]byte{'.'}); err != nil {
					return err
				}
			}
			if _, err := w.Write(chunk); err != nil {
				return err
			}
			bol = chunk[len(chunk)-1] == '\n'
		}
		if err == io.EOF {
			break
		}
	}
	if !bol {
		return errMissingCRLF
	}
	_, err := w.Write([]byte(".\r\n"))
	return err
}
