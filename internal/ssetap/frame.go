package ssetap

import (
	"bytes"
	"encoding/json"
	"math"
)

var (
	frameSep   = []byte("\n\n")
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// framer splits decoded text into SSE events. buf only ever holds the tail
// of the current undelimited event.
type framer struct {
	buf     []byte
	scanned int
	lastCR  bool

	sawDone bool
	usage   *Usage
}

func (f *framer) write(text []byte) {
	for _, c := range text {
		switch {
		case c == '\r':
			f.buf = append(f.buf, '\n')
			f.lastCR = true
			continue
		case c == '\n' && f.lastCR:
			f.lastCR = false
			continue
		}
		f.lastCR = false
		f.buf = append(f.buf, c)
	}

	start := 0
	for {
		from := max(start, f.scanned-1)
		i := bytes.Index(f.buf[from:], frameSep)
		if i < 0 {
			break
		}
		end := from + i
		f.event(f.buf[start:end])
		start = end + len(frameSep)
	}
	if start > 0 {
		n := copy(f.buf, f.buf[start:])
		f.buf = f.buf[:n]
	}
	f.scanned = len(f.buf)
}

func (f *framer) event(ev []byte) {
	var (
		data  [][]byte
		found bool
	)
	for _, line := range bytes.Split(ev, []byte("\n")) {
		if rest, ok := bytes.CutPrefix(line, dataPrefix); ok {
			data = append(data, bytes.TrimLeft(rest, " \t"))
			found = true
		}
	}
	if !found {
		return
	}
	payload := bytes.TrimSpace(bytes.Join(data, []byte("\n")))
	if len(payload) == 0 {
		return
	}
	if bytes.Equal(payload, doneMarker) {
		f.sawDone = true
		return
	}

	var msg struct {
		Usage map[string]json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Usage == nil {
		return
	}
	u := Usage{
		PromptTokens:     tokenCount(msg.Usage["prompt_tokens"]),
		CompletionTokens: tokenCount(msg.Usage["completion_tokens"]),
		TotalTokens:      tokenCount(msg.Usage["total_tokens"]),
	}
	if u.PromptTokens != nil || u.CompletionTokens != nil || u.TotalTokens != nil {
		f.usage = &u
	}
}

// tokenCount returns nil unless raw is a JSON number that fits a
// non-negative int64.
func tokenCount(raw json.RawMessage) *int64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] < '0' || raw[0] > '9' {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || math.IsNaN(f) || f < 0 || f >= math.MaxInt64 {
		return nil
	}
	n := int64(f)
	return &n
}
