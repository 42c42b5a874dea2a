package telemetry

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/e7canasta/drive-recorder/internal/types"
)

// Line layout: field 0 is the sample timestamp, fields 4-6 are x/y/z
const (
	fieldTimestamp = 0
	fieldX         = 4
	fieldY         = 5
	fieldZ         = 6
	minFields      = 7
)

// ParseSample parses one comma-separated sensor line.
// Raw keeps the line verbatim for the telemetry log, newline terminated.
func ParseSample(line []byte, receivedAt time.Time) (types.TelemetrySample, error) {
	text := string(bytes.TrimRight(line, "\r\n"))
	fields := strings.Split(text, ",")
	if len(fields) < minFields {
		return types.TelemetrySample{}, fmt.Errorf("expected at least %d fields, got %d", minFields, len(fields))
	}

	ts := strings.TrimSpace(fields[fieldTimestamp])
	if ts == "" {
		return types.TelemetrySample{}, fmt.Errorf("empty timestamp field")
	}

	var axes [3]float64
	for i, idx := range []int{fieldX, fieldY, fieldZ} {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[idx]), 64)
		if err != nil {
			return types.TelemetrySample{}, fmt.Errorf("field %d: %w", idx, err)
		}
		axes[i] = v
	}

	// Every log record ends in a newline, even when the source cut the line
	// short (last line of a file, over-long serial line)
	raw := make([]byte, len(line), len(line)+1)
	copy(raw, line)
	if !bytes.HasSuffix(raw, []byte("\n")) {
		raw = append(raw, '\n')
	}

	return types.TelemetrySample{
		Timestamp:  ts,
		X:          axes[0],
		Y:          axes[1],
		Z:          axes[2],
		Raw:        raw,
		ReceivedAt: receivedAt,
	}, nil
}
