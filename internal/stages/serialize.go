package stages

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jonathan/activity-ingest/internal/types"
)

// maxExportLine bounds a single NDJSON record when parsing.
const maxExportLine = 8 << 20

// Serialize renders activities as NDJSON: one compact record per line.
func Serialize(acts []types.MergedActivity) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range acts {
		if err := enc.Encode(&acts[i]); err != nil {
			return nil, fmt.Errorf("failed to encode activity %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// ParseNDJSON reads records written by Serialize. Blank lines are ignored.
func ParseNDJSON(r io.Reader) ([]types.MergedActivity, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxExportLine)

	out := make([]types.MergedActivity, 0)
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var act types.MergedActivity
		if err := json.Unmarshal(data, &act); err != nil {
			return nil, fmt.Errorf("invalid record on line %d: %w", line, err)
		}
		out = append(out, act)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	return out, nil
}
