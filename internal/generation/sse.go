package generation

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// readSSE calls onData with the joined data lines of each server-sent event.
// Comments and event names are ignored; the service only sends data.
func readSSE(r io.Reader, onData func(data string) error) error {
	br := bufio.NewReader(r)
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		return onData(data)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := err != nil
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if ferr := flush(); ferr != nil {
				return ferr
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if eof {
			return flush()
		}
	}
}
