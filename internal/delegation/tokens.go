package delegation

import (
	"strings"

	"github.com/agentoven/dxtr/pkg/contracts"
	"github.com/agentoven/dxtr/pkg/models"
)

// tokenGate buffers streamed text until the response is decoded. Only a
// plain answer reaches the sink, in generation order; prose that precedes a
// tool call or delegation is dropped, since nothing it announces has been
// committed yet.
type tokenGate struct {
	sink   contracts.Sink
	chunks []string
	opened bool
	// raw is set once the text turns out to be a JSON or fenced tool-call
	// block rather than prose.
	raw bool
}

func newTokenGate(sink contracts.Sink) *tokenGate {
	if sink == nil {
		sink = contracts.NopSink{}
	}
	return &tokenGate{sink: sink}
}

func (g *tokenGate) chunk(c models.StreamChunk) {
	if c.ToolCall != nil {
		g.raw = true
		g.chunks = nil
		return
	}
	if g.raw || c.Content == "" {
		return
	}
	g.chunks = append(g.chunks, c.Content)
	if g.opened {
		return
	}
	head := strings.TrimSpace(strings.Join(g.chunks, ""))
	switch {
	case head == "":
		return
	case len(head) < 3 && strings.HasPrefix("```", head):
		return
	case head[0] == '{' || head[0] == '[' || strings.HasPrefix(head, "```"):
		g.raw = true
		g.chunks = nil
		return
	}
	g.opened = true
}

// release sends a decoded answer. Buffered prose goes out chunk by chunk;
// an answer that arrived as raw JSON goes out whole.
func (g *tokenGate) release(answer string) {
	if g.raw || len(g.chunks) == 0 {
		if answer != "" {
			g.sink.Token(answer)
		}
		return
	}
	for _, c := range g.chunks {
		g.sink.Token(c)
	}
	g.chunks = nil
}

// discard drops buffered text for a response that turned out to be an
// action or delegation.
func (g *tokenGate) discard() {
	g.chunks = nil
}
