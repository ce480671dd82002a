// Package tokens implements the pass-through token-usage extractor from
// spec §4.7: a duplex byte-pipe stage that forwards every inbound byte
// downstream unmodified while a side-channel parser recovers
// {input, output, total} token counts for emission once the stream
// ends. The split-writer shape (forward first, then hand the same bytes
// to a side parser) follows the teacher's own sseUsageParser /
// forwardStreamingRequest idiom in pkg/proxy/server.go, generalized to
// also cover the buffered-JSON (non-streaming) case spec §4.7 requires.
package tokens

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// Counts is the {input, output, total} triple spec §3 defines for
// TokenCounts.
type Counts struct {
	Input  uint64
	Output uint64
	Total  uint64
}

// Mode selects which parser is used, chosen by Content-Type (spec §4.7).
type Mode int

const (
	ModeBufferedJSON Mode = iota
	ModeSSE
)

// SelectMode picks the parser mode from a Content-Type header value.
func SelectMode(contentType string) Mode {
	if strings.Contains(strings.ToLower(contentType), "text/event-stream") {
		return ModeSSE
	}
	return ModeBufferedJSON
}

// Skip reports whether extraction should be skipped entirely (counts
// zeroed) for the given Content-Encoding, per spec §4.7.
func Skip(contentEncoding string) bool {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip", "br", "deflate":
		return true
	}
	return false
}

// parser is implemented by both parser modes.
type parser interface {
	Consume(chunk []byte)
	Finish() Counts
}

// Extractor wraps an io.Writer (the client response writer) and forwards
// every Write call through byte-for-byte while feeding the same bytes to
// a side-channel parser. Byte transparency is the invariant spec §4.7
// and §8 property 1 require: Write never mutates or reorders bytes.
type Extractor struct {
	dst    io.Writer
	parser parser
	skip   bool
}

// New builds an Extractor. If skip is true (Content-Encoding is
// compressed, per spec §4.7) the parser is bypassed and Counts() always
// returns the zero value, but bytes still pass through unchanged.
func New(dst io.Writer, mode Mode, skip bool) *Extractor {
	e := &Extractor{dst: dst, skip: skip}
	if skip {
		return e
	}
	switch mode {
	case ModeSSE:
		e.parser = newSSEParser()
	default:
		e.parser = newBufferedJSONParser()
	}
	return e
}

// Write forwards p to the underlying writer, then (if not skipped) hands
// the same bytes to the side-channel parser. The return value always
// reflects the underlying write, so Extractor is a transparent
// io.Writer wrapper.
func (e *Extractor) Write(p []byte) (int, error) {
	n, err := e.dst.Write(p)
	if n > 0 && !e.skip {
		e.parser.Consume(p[:n])
	}
	return n, err
}

// Counts finalizes the side-channel parser and returns the recovered
// token counts. Call this once, after the last Write (i.e. once the
// upstream response has ended).
func (e *Extractor) Counts() Counts {
	if e.skip || e.parser == nil {
		return Counts{}
	}
	return e.parser.Finish()
}

// bufferedJSONParser accumulates the whole body and parses once at the
// end (spec §4.7 buffered-JSON mode).
type bufferedJSONParser struct {
	buf bytes.Buffer
}

func newBufferedJSONParser() *bufferedJSONParser {
	return &bufferedJSONParser{}
}

func (p *bufferedJSONParser) Consume(chunk []byte) {
	p.buf.Write(chunk)
}

func (p *bufferedJSONParser) Finish() Counts {
	return parseUsageJSON(p.buf.Bytes())
}

// usageEnvelope covers both the Anthropic shape (input_tokens/
// output_tokens) and the OpenAI/Copilot shape (prompt_tokens/
// completion_tokens/total_tokens) in one struct, since the field sets
// don't collide.
type usageEnvelope struct {
	Usage *usageFields `json:"usage"`
}

type usageFields struct {
	InputTokens      *uint64 `json:"input_tokens"`
	OutputTokens     *uint64 `json:"output_tokens"`
	PromptTokens     *uint64 `json:"prompt_tokens"`
	CompletionTokens *uint64 `json:"completion_tokens"`
	TotalTokens      *uint64 `json:"total_tokens"`
}

// parseUsageJSON parses a single JSON document for a "usage" object and
// extracts counts per spec §4.7. Missing usage, malformed JSON, or an
// empty body all yield the zero Counts without error.
func parseUsageJSON(body []byte) Counts {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Counts{}
	}
	var env usageEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Usage == nil {
		return Counts{}
	}
	return countsFromFields(env.Usage)
}

func countsFromFields(f *usageFields) Counts {
	var c Counts
	switch {
	case f.InputTokens != nil || f.OutputTokens != nil:
		// Anthropic shape.
		if f.InputTokens != nil {
			c.Input = *f.InputTokens
		}
		if f.OutputTokens != nil {
			c.Output = *f.OutputTokens
		}
		c.Total = c.Input + c.Output
	case f.PromptTokens != nil || f.CompletionTokens != nil || f.TotalTokens != nil:
		// OpenAI/Copilot shape.
		if f.PromptTokens != nil {
			c.Input = *f.PromptTokens
		}
		if f.CompletionTokens != nil {
			c.Output = *f.CompletionTokens
		}
		if f.TotalTokens != nil {
			c.Total = *f.TotalTokens
		} else {
			c.Total = c.Input + c.Output
		}
	}
	return c
}

// sseParser splits on '\n', retaining a trailing partial line across
// chunks, and updates running counts from "data:" lines carrying usage
// information (spec §4.7 SSE mode).
type sseParser struct {
	pending []byte
	counts  Counts
	sawTotal bool
}

func newSSEParser() *sseParser {
	return &sseParser{pending: make([]byte, 0, 1024)}
}

func (p *sseParser) Consume(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.pending = append(p.pending, chunk...)
	for {
		idx := bytes.IndexByte(p.pending, '\n')
		if idx < 0 {
			return
		}
		line := p.pending[:idx]
		p.pending = p.pending[idx+1:]
		p.consumeLine(line)
	}
}

func (p *sseParser) consumeLine(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if !strings.HasPrefix(trimmed, "data:") {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
	if payload == "" || payload == "[DONE]" {
		return
	}

	var event map[string]any
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return
	}
	p.consumeEvent(event)
}

func (p *sseParser) consumeEvent(event map[string]any) {
	// Anthropic streaming: message_start carries input_tokens under
	// message.usage; message_delta carries output_tokens under usage.
	if eventType, _ := event["type"].(string); eventType != "" {
		switch eventType {
		case "message_start":
			if msg, ok := event["message"].(map[string]any); ok {
				if usage, ok := msg["usage"].(map[string]any); ok {
					if v, ok := numberField(usage, "input_tokens"); ok {
						p.counts.Input = v
					}
				}
			}
		case "message_delta":
			if usage, ok := event["usage"].(map[string]any); ok {
				if v, ok := numberField(usage, "output_tokens"); ok {
					p.counts.Output = v
				}
			}
		}
	}

	// OpenAI/Copilot streaming: any event carrying a top-level "usage"
	// object updates the respective counters, typically the final chunk
	// before [DONE].
	if usage, ok := event["usage"].(map[string]any); ok {
		if v, ok := numberField(usage, "prompt_tokens"); ok {
			p.counts.Input = v
		}
		if v, ok := numberField(usage, "completion_tokens"); ok {
			p.counts.Output = v
		}
		if v, ok := numberField(usage, "total_tokens"); ok {
			p.counts.Total = v
			p.sawTotal = true
		}
	}
}

func numberField(m map[string]any, key string) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok || f < 0 {
		return 0, false
	}
	return uint64(f), true
}

func (p *sseParser) Finish() Counts {
	if !p.sawTotal {
		p.counts.Total = p.counts.Input + p.counts.Output
	}
	return p.counts
}
