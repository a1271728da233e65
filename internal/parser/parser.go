// Package parser splits streaming model output into a tool-call prelude and
// a markdown body.
//
// The wire grammar is: <json array of tool calls> <delimiter> <markdown>.
// The parser decodes array elements incrementally so tool calls dispatch
// before the model finishes talking, and never retracts an emitted call.
package parser

import (
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"ember/internal/llm"
	"ember/internal/logging"
	"ember/internal/shared/jsonx"
	"ember/internal/tool"
)

// Delimiter separates the tool-call prelude from the markdown body. The
// system prompt instructs the model to emit exactly this marker.
const Delimiter = "\n\n✂️🐱\n\n"

// delimiterCore survives whitespace mangling around the marker.
const delimiterCore = "✂️🐱"

// EventKind discriminates parser events.
type EventKind string

const (
	EventToolCall EventKind = "tool_call"
	EventContent  EventKind = "content"
	EventEnd      EventKind = "end"
	EventError    EventKind = "error"
)

// Error kinds carried on EventError.
const (
	ErrMalformedPrelude = "malformed_prelude"
	ErrInvalidToolCall  = "invalid_tool_call"
)

// Event is one element of the parsed output sequence.
type Event struct {
	Kind EventKind

	// Call is set for EventToolCall.
	Call *tool.Call
	// Delta is the markdown fragment for EventContent.
	Delta string
	// Usage is set for EventEnd.
	Usage *llm.Usage
	// ErrKind and Message are set for EventError.
	ErrKind string
	Message string
}

// Validator checks a decoded tool call before it is emitted. *tool.Registry
// satisfies it.
type Validator interface {
	Validate(name string, params jsonx.RawMessage) error
}

type state int

const (
	scanPrelude state = iota
	emitContent
)

// Parser is a push-based incremental parser. Feed it chunks as they arrive
// and call Finish at stream end. Not safe for concurrent use.
type Parser struct {
	validator Validator
	logger    logging.Logger

	state   state
	buf     []byte
	emitted int
	// tailToSkip counts delimiter-suffix newlines still to consume after
	// the core glyphs; the suffix may arrive in a later chunk.
	tailToSkip int
}

// New creates a parser. The validator may be nil to skip schema checks.
func New(validator Validator, logger logging.Logger) *Parser {
	return &Parser{
		validator: validator,
		logger:    logging.OrNop(logger),
	}
}

// Feed consumes the next chunk and returns the events it completes.
func (p *Parser) Feed(chunk string) []Event {
	if chunk == "" {
		return nil
	}
	if p.state == emitContent {
		return p.contentEvents(chunk)
	}

	p.buf = append(p.buf, chunk...)

	if idx := strings.Index(string(p.buf), delimiterCore); idx >= 0 {
		prelude := string(p.buf[:idx])
		rest := string(p.buf[idx+len(delimiterCore):])
		p.buf = nil
		p.state = emitContent
		p.tailToSkip = 2

		events := p.drainPrelude(prelude, true)
		return append(events, p.contentEvents(rest)...)
	}

	// Still scanning: emit any array elements that completed with this chunk.
	return p.emitCompleteElements()
}

// contentEvents emits a markdown delta, consuming any delimiter-suffix
// newlines still pending from the transition.
func (p *Parser) contentEvents(s string) []Event {
	for p.tailToSkip > 0 && len(s) > 0 && s[0] == '\n' {
		s = s[1:]
		p.tailToSkip--
	}
	if len(s) == 0 {
		return nil
	}
	p.tailToSkip = 0
	return []Event{{Kind: EventContent, Delta: s}}
}

// Finish handles stream end and returns the trailing events, including the
// terminal EndEvent carrying the usage record.
func (p *Parser) Finish(usage *llm.Usage) []Event {
	var events []Event
	if p.state == scanPrelude {
		buffered := string(p.buf)
		p.buf = nil
		trimmed := strings.TrimSpace(buffered)
		switch {
		case trimmed == "":
			// Empty stream.
		case strings.HasPrefix(trimmed, "[") || p.emitted > 0:
			// The model was emitting a prelude and never reached the
			// delimiter. Salvage complete calls; flag the remainder.
			events = p.drainPrelude(buffered, false)
		default:
			// Degenerate no-tool-call response: the whole stream is markdown.
			events = append(events, Event{Kind: EventContent, Delta: buffered})
		}
	}
	return append(events, Event{Kind: EventEnd, Usage: usage})
}

// drainPrelude parses the complete prelude region. repair controls whether a
// jsonrepair pass is attempted on undecodable remainders (used at the
// delimiter, where the region is known to be finished).
func (p *Parser) drainPrelude(prelude string, repair bool) []Event {
	trimmed := strings.TrimSpace(prelude)
	if trimmed == "" {
		return nil
	}

	elems, complete, err := scanArrayElements([]byte(trimmed))
	if err == nil && complete {
		return p.emitFrom(elems)
	}

	if repair {
		if fixed, repairErr := jsonrepair.JSONRepair(trimmed); repairErr == nil {
			if relems, rcomplete, rerr := scanArrayElements([]byte(fixed)); rerr == nil && rcomplete {
				p.logger.Warn("parser: repaired malformed tool-call prelude (%d bytes)", len(trimmed))
				return p.emitFrom(relems)
			}
		}
	}

	// Emit what decoded cleanly, then flag the rest. Already-emitted calls
	// stand.
	events := p.emitFrom(elems)
	p.logger.Warn("parser: malformed tool-call prelude, %d calls salvaged", p.emitted)
	return append(events, Event{
		Kind:    EventError,
		ErrKind: ErrMalformedPrelude,
		Message: fmt.Sprintf("tool-call prelude did not parse as a JSON array (%d bytes)", len(trimmed)),
	})
}

// emitCompleteElements emits events for array elements completed so far.
func (p *Parser) emitCompleteElements() []Event {
	trimmed := strings.TrimSpace(string(p.buf))
	if !strings.HasPrefix(trimmed, "[") {
		return nil
	}
	elems, _, err := scanArrayElements([]byte(trimmed))
	if err != nil {
		return nil
	}
	return p.emitFrom(elems)
}

// emitFrom emits tool-call events for elements beyond the already-emitted
// prefix, validating each.
func (p *Parser) emitFrom(elems []jsonx.RawMessage) []Event {
	var events []Event
	for ; p.emitted < len(elems); p.emitted++ {
		raw := elems[p.emitted]
		var call tool.Call
		if err := jsonx.Unmarshal(raw, &call); err != nil {
			events = append(events, invalidCall(fmt.Sprintf("tool call does not decode: %v", err)))
			continue
		}
		if call.Type == "" {
			events = append(events, invalidCall("tool call has no type"))
			continue
		}
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", p.emitted)
		}
		if p.validator != nil {
			if err := p.validator.Validate(call.Type, call.Parameters); err != nil {
				events = append(events, invalidCall(fmt.Sprintf("tool %s: %v", call.Type, err)))
				continue
			}
		}
		events = append(events, Event{Kind: EventToolCall, Call: &call})
	}
	return events
}

func invalidCall(message string) Event {
	return Event{Kind: EventError, ErrKind: ErrInvalidToolCall, Message: message}
}

// Run adapts an LLM stream into a parsed event stream. The channel is
// single-consumer, ordered, and closed after the terminal event.
func Run(stream <-chan llm.StreamChunk, validator Validator, logger logging.Logger) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		p := New(validator, logger)
		for chunk := range stream {
			if chunk.Err != nil {
				out <- Event{Kind: EventError, ErrKind: "transport", Message: chunk.Err.Error()}
				return
			}
			if chunk.Done {
				for _, ev := range p.Finish(chunk.Usage) {
					out <- ev
				}
				return
			}
			for _, ev := range p.Feed(chunk.Delta) {
				out <- ev
			}
		}
		for _, ev := range p.Finish(nil) {
			out <- ev
		}
	}()
	return out
}
