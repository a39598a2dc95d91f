// Package tokens derives conservative token upper bounds from an
// OpenAI-style chat request body.
package tokens

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"unicode/utf8"
)

const (
	DefaultOutput = 512
	MaxOutput     = 32768
	charsPerToken = 4
)

type Bounds struct {
	Prompt     int64
	Completion int64
}

func (b Bounds) Total() int64 { return b.Prompt + b.Completion }

// UpperBounds returns prompt and completion bounds for body.
func UpperBounds(body map[string]json.RawMessage) Bounds {
	return Bounds{Prompt: PromptUpperBound(body), Completion: OutputUpperBound(body)}
}

// PromptUpperBound counts characters of every message content (non-string
// content counted as its JSON text, each message followed by a newline) and
// assumes four characters per token. It never returns less than one.
func PromptUpperBound(body map[string]json.RawMessage) int64 {
	var msgs []struct {
		Content json.RawMessage `json:"content"`
	}
	if raw, ok := body["messages"]; ok {
		_ = json.Unmarshal(raw, &msgs)
	}

	var chars int
	for _, m := range msgs {
		c := bytes.TrimSpace(m.Content)
		if len(c) == 0 || bytes.Equal(c, []byte("null")) {
			continue
		}
		var s string
		if c[0] == '"' && json.Unmarshal(c, &s) == nil {
			chars += utf8.RuneCountInString(s) + 1
			continue
		}
		var compact bytes.Buffer
		if json.Compact(&compact, c) != nil {
			compact.Reset()
			compact.Write(c)
		}
		chars += utf8.RuneCount(compact.Bytes()) + 1
	}

	n := int64(math.Ceil(float64(chars) / charsPerToken))
	return max(1, n)
}

// OutputUpperBound reads max_tokens, max_completion_tokens or
// max_output_tokens (first present wins), floors it and clamps it to
// [1, MaxOutput]. Missing or non-numeric values yield DefaultOutput.
func OutputUpperBound(body map[string]json.RawMessage) int64 {
	for _, key := range []string{"max_tokens", "max_completion_tokens", "max_output_tokens"} {
		raw, ok := body[key]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		return clamp(parseNumber(raw), DefaultOutput, MaxOutput)
	}
	return DefaultOutput
}

func parseNumber(raw json.RawMessage) float64 {
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return math.NaN()
}

func clamp(v float64, def, limit int64) int64 {
	n := def
	if !math.IsNaN(v) && !math.IsInf(v, 0) {
		f := math.Floor(v)
		switch {
		case f > float64(limit):
			n = limit
		case f < 1:
			n = 1
		default:
			n = int64(f)
		}
	}
	return max(1, min(limit, n))
}
