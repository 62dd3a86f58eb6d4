package llm

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// maxSSELine bounds a single event-stream line.
const maxSSELine = 1024 * 1024

// errStreamDone stops the scanner when the [DONE] sentinel is seen.
var errStreamDone = errors.New("stream done")

// sseBlock is one blank-line-delimited block of an event stream.
// Each data line is kept separately; upstream chunks put one JSON
// document per data line.
type sseBlock struct {
	Event string
	Data  []string
}

// parseSSE reads blocks from reader and calls handler for each one.
// Comment lines (starting with ":") and unknown fields are ignored.
func parseSSE(reader io.Reader, handler func(block sseBlock) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	var block sseBlock

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		// Empty line marks end of block
		if line == "" {
			if block.Event != "" || len(block.Data) > 0 {
				if err := handler(block); err != nil {
					return err
				}
				block = sseBlock{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			block.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			block.Data = append(block.Data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	// Handle a trailing block with no terminating blank line
	if block.Event != "" || len(block.Data) > 0 {
		return handler(block)
	}
	return nil
}
