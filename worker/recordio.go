package worker

//
// the chain record format carries intermediate pairs between phases
// and across the external-execution pipe:
//
//   <len(key)> SP <key> SP <len(value)> SP <value> LF
//
// explicit lengths keep keys and values fully binary-safe without any
// escaping.
//

import (
	"bufio"
	"fmt"
	"io"
)

func WriteChainRecord(w io.Writer, key, value string) error {
	_, err := fmt.Fprintf(w, "%d %s %d %s\n", len(key), key, len(value), value)
	return err
}

func ReadChainRecord(br *bufio.Reader) (KV, error) {
	klen, err := readLength(br)
	if err != nil {
		return KV{}, err
	}
	key, err := readField(br, klen, ' ')
	if err != nil {
		return KV{}, err
	}
	vlen, err := readLength(br)
	if err != nil {
		return KV{}, unexpected(err)
	}
	value, err := readField(br, vlen, '\n')
	if err != nil {
		return KV{}, err
	}
	return KV{Key: key, Value: value}, nil
}

// readLength parses a decimal length terminated by a single space.
// io.EOF before the first digit means a clean end of stream.
func readLength(br *bufio.Reader) (int, error) {
	n := 0
	read := false
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && !read {
				return 0, io.EOF
			}
			return 0, unexpected(err)
		}
		if b == ' ' {
			if !read {
				return 0, fmt.Errorf("chain record: empty length field")
			}
			return n, nil
		}
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("chain record: bad length byte %q", b)
		}
		n = n*10 + int(b-'0')
		read = true
	}
}

// readField reads exactly n bytes followed by the expected separator.
func readField(br *bufio.Reader, n int, sep byte) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", unexpected(err)
	}
	b, err := br.ReadByte()
	if err != nil {
		return "", unexpected(err)
	}
	if b != sep {
		return "", fmt.Errorf("chain record: expected separator %q, got %q", sep, b)
	}
	return string(buf), nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
