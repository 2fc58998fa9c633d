package container

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// maxFrameLine bounds a single stdout line; agent results can carry whole
// documents.
const maxFrameLine = 4 * 1024 * 1024

// ParseFrames reads sentinel-framed JSON frames from r and sends each on out.
// Lines outside a frame are agent log noise and are dropped. out is closed
// when r reaches EOF.
func ParseFrames(r io.Reader, out chan<- Output, logger *slog.Logger) {
	defer close(out)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameLine)

	var (
		inFrame bool
		body    strings.Builder
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == OutputStartMarker:
			inFrame = true
			body.Reset()
		case line == OutputEndMarker:
			if !inFrame {
				continue
			}
			inFrame = false
			var frame Output
			if err := json.Unmarshal([]byte(body.String()), &frame); err != nil {
				logger.Warn("container: unparseable output frame", "error", err)
				continue
			}
			out <- frame
		case inFrame:
			body.WriteString(sc.Text())
			body.WriteString("\n")
		}
	}
	if err := sc.Err(); err != nil && err != io.ErrClosedPipe {
		logger.Warn("container: stdout read ended", "error", err)
	}
}
