// Package sandbox – stream.go parses the container output stream.
// The agent prints exactly one JSON object between a pair of sentinel
// lines per result; everything else on the stream is agent noise and
// is ignored.
package sandbox

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

const (
	// resultStart and resultEnd bracket one JSON result payload on
	// the container's combined output stream.
	resultStart = "---GROUPCLAW-RESULT-START---"
	resultEnd   = "---GROUPCLAW-RESULT-END---"

	// maxLineBytes bounds a single stream line. Agent results are
	// JSON on one line; anything bigger is hostile or broken.
	maxLineBytes = 4 * 1024 * 1024
)

// readResults scans the combined output stream for sentinel-bracketed
// JSON payloads, invoking onResult for each valid one. It stops at
// EOF or after maxBytes of input, whichever comes first. Malformed
// payloads are logged and skipped; they never abort the stream.
func readResults(r io.Reader, maxBytes int64, logger *slog.Logger, onResult func(Result)) {
	limited := &io.LimitedReader{R: r, N: maxBytes}
	scanner := bufio.NewScanner(limited)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var payload strings.Builder
	inResult := false

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == resultStart:
			inResult = true
			payload.Reset()
		case strings.TrimSpace(line) == resultEnd:
			if !inResult {
				continue
			}
			inResult = false
			var res Result
			if err := json.Unmarshal([]byte(payload.String()), &res); err != nil {
				logger.Warn("sandbox: dropping malformed result payload", "error", err)
				continue
			}
			onResult(res)
		case inResult:
			payload.WriteString(line)
			payload.WriteString("\n")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("sandbox: output stream ended abnormally", "error", err)
	}
	if limited.N <= 0 {
		logger.Warn("sandbox: output stream truncated at byte ceiling", "limit", maxBytes)
	}
}
