package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

// ParseEventsFile reads an exported event log. The file is JSONL, one event
// per line, or a single JSON array. Malformed and non-object entries are
// skipped.
func ParseEventsFile(path string) ([]event.Event, error) {
	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	events := make([]event.Event, 0, len(records))
	for _, rec := range records {
		events = append(events, event.FromRecord(rec))
	}
	return events, nil
}

// ParseItemsFile reads the runtime's own transcript items, used as the
// fallback channel. Entries are kept in file order.
func ParseItemsFile(path string) ([]map[string]any, error) {
	return readRecords(path)
}

// ParseRealtimeFile reads a realtime voice log. Entries without a kind are
// taken as text; "text" is accepted in place of "content".
func ParseRealtimeFile(path string) ([]event.RealtimeItem, error) {
	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	items := make([]event.RealtimeItem, 0, len(records))
	for _, rec := range records {
		item := event.RealtimeItem{
			Role:    str(rec, "role"),
			Content: str(rec, "content"),
			Kind:    str(rec, "kind"),
		}
		if item.Content == "" {
			item.Content = str(rec, "text")
		}
		if item.Kind == "" {
			item.Kind = "text"
		}
		items = append(items, item)
	}
	return items, nil
}

func readRecords(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if isArray(br) {
		return readArray(br)
	}

	var records []map[string]any
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024) // 10MB line buffer
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil || rec == nil {
			continue // skip malformed lines
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return records, nil
}

// isArray peeks past leading whitespace for a '['.
func isArray(br *bufio.Reader) bool {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return false
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		_ = br.UnreadByte()
		return b == '['
	}
}

func readArray(r io.Reader) ([]map[string]any, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode array: %w", err)
	}
	records := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		var rec map[string]any
		if err := json.Unmarshal(entry, &rec); err != nil || rec == nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func str(rec map[string]any, key string) string {
	s, _ := rec[key].(string)
	return strings.TrimSpace(s)
}
