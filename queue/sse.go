package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// rawCaptureBytes bounds the raw fallback payload when no SSE frame parses.
const rawCaptureBytes = 1000

// ParseSSEResult reads a text/event-stream body and returns the task result:
// the last `data:` line that parses as JSON wins. When no line parses, the
// result is {"raw": <first 1000 bytes of the body>}.
func ParseSSEResult(body io.Reader) (json.RawMessage, error) {
	return ParseSSEStream(body, nil)
}

// ParseSSEStream is ParseSSEResult with a per-frame callback: onFrame is
// invoked for every successfully parsed `data:` frame, in stream order.
func ParseSSEStream(body io.Reader, onFrame func(json.RawMessage)) (json.RawMessage, error) {
	var (
		last    json.RawMessage
		rawHead strings.Builder
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if rawHead.Len() < rawCaptureBytes {
			remain := rawCaptureBytes - rawHead.Len()
			chunk := line + "\n"
			if len(chunk) > remain {
				chunk = chunk[:remain]
			}
			rawHead.WriteString(chunk)
		}

		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if !json.Valid([]byte(data)) {
			continue
		}
		last = json.RawMessage(data)
		if onFrame != nil {
			onFrame(last)
		}
	}
	if err := scanner.Err(); err != nil {
		// A partial stream still yields a usable result when at least one
		// frame parsed before the abort.
		if last != nil {
			return last, nil
		}
		return nil, fmt.Errorf("read event stream: %w", err)
	}

	if last != nil {
		return last, nil
	}

	fallback, err := json.Marshal(map[string]string{"raw": rawHead.String()})
	if err != nil {
		return nil, fmt.Errorf("encode raw fallback: %w", err)
	}
	return json.RawMessage(fallback), nil
}
