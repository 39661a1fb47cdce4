package render

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zulandar/courier/internal/channel"
)

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		attrs map[string]string
		want  string
	}{
		{
			name:  "known field",
			text:  "Hello {{nome}}",
			attrs: map[string]string{"nome": "Ana"},
			want:  "Hello Ana",
		},
		{
			name:  "absent field becomes empty",
			text:  "Hello {{nome}}",
			attrs: map[string]string{},
			want:  "Hello ",
		},
		{
			name:  "nil attrs",
			text:  "Hello {{nome}}",
			attrs: nil,
			want:  "Hello ",
		},
		{
			name:  "multiple tokens",
			text:  "{{greeting}}, {{name}}! Your plan: {{plan}}",
			attrs: map[string]string{"greeting": "Hi", "name": "Bob", "plan": "pro"},
			want:  "Hi, Bob! Your plan: pro",
		},
		{
			name:  "whitespace inside token",
			text:  "Hello {{ nome }}",
			attrs: map[string]string{"nome": "Ana"},
			want:  "Hello Ana",
		},
		{
			name:  "no tokens",
			text:  "plain text",
			attrs: map[string]string{"nome": "Ana"},
			want:  "plain text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Substitute(tt.text, tt.attrs)
			if got != tt.want {
				t.Errorf("Substitute(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestDecodeParts_RoundTrip(t *testing.T) {
	parts := []Part{
		{Kind: KindText, Text: "Hello {{name}}"},
		{Kind: KindImage, Text: "caption", MediaRef: "https://cdn.example/pic.png"},
	}
	encoded, err := EncodeParts(parts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeParts(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 || decoded[0].Text != "Hello {{name}}" || decoded[1].MediaRef != "https://cdn.example/pic.png" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodeParts_Empty(t *testing.T) {
	if _, err := DecodeParts("[]"); err == nil {
		t.Error("expected error for empty specification")
	}
}

// stubGenerator implements genai.Generator for testing.
type stubGenerator struct {
	text string
	err  error
	got  struct {
		system      string
		instruction string
	}
}

func (s *stubGenerator) Generate(ctx context.Context, system, instruction string, contextVars map[string]string) (string, error) {
	s.got.system = system
	s.got.instruction = instruction
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

func TestRenderPart_Generated(t *testing.T) {
	gen := &stubGenerator{text: "Personalized hello"}
	r := New(gen)

	p, err := r.RenderPart(context.Background(), Part{
		Kind:        KindGenerated,
		System:      "You write CRM outreach.",
		Instruction: "Greet {{name}} warmly",
	}, map[string]string{"name": "Ana"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Text != "Personalized hello" {
		t.Errorf("payload text = %q", p.Text)
	}
	if gen.got.instruction != "Greet Ana warmly" {
		t.Errorf("instruction = %q, want substituted form", gen.got.instruction)
	}
}

func TestRenderPart_GeneratedProviderError(t *testing.T) {
	gen := &stubGenerator{err: errors.New("quota exceeded")}
	r := New(gen)

	_, err := r.RenderPart(context.Background(), Part{Kind: KindGenerated, Instruction: "x"}, nil)
	if err == nil {
		t.Fatal("expected error from provider")
	}
}

func TestRenderPart_GeneratedWithoutProvider(t *testing.T) {
	r := New(nil)
	if r.CanGenerate() {
		t.Error("CanGenerate() = true with nil provider")
	}
	_, err := r.RenderPart(context.Background(), Part{Kind: KindGenerated, Instruction: "x"}, nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}

	// The sentinel survives Deliver's part wrapping so callers can tell a
	// configuration gap apart from a delivery failure.
	sender := &recordingSender{}
	_, err = r.Deliver(context.Background(), sender, "addr", []Part{{Kind: KindGenerated, Instruction: "x"}}, nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("deliver err = %v, want ErrNotConfigured", err)
	}
	if len(sender.calls) != 0 {
		t.Errorf("sends = %d, want 0", len(sender.calls))
	}
}

func TestNeedsGenerator(t *testing.T) {
	if NeedsGenerator([]Part{{Kind: KindText}, {Kind: KindImage}}) {
		t.Error("static parts should not need a generator")
	}
	if !NeedsGenerator([]Part{{Kind: KindText}, {Kind: KindGenerated}}) {
		t.Error("generated part not detected")
	}
}

func TestRenderPart_MediaPassthrough(t *testing.T) {
	r := New(nil)
	p, err := r.RenderPart(context.Background(), Part{
		Kind:     KindDocument,
		Text:     "Invoice for {{name}}",
		MediaRef: "https://cdn.example/invoice.pdf",
		Filename: "invoice.pdf",
	}, map[string]string{"name": "Ana"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.MediaRef != "https://cdn.example/invoice.pdf" {
		t.Errorf("media ref changed: %q", p.MediaRef)
	}
	if p.Text != "Invoice for Ana" {
		t.Errorf("caption = %q", p.Text)
	}
}

// recordingSender scripts per-call outcomes for Deliver tests.
type recordingSender struct {
	calls   []channel.Payload
	outcome []error
}

func (s *recordingSender) Send(ctx context.Context, address string, p channel.Payload) (string, error) {
	idx := len(s.calls)
	s.calls = append(s.calls, p)
	if idx < len(s.outcome) && s.outcome[idx] != nil {
		return "", s.outcome[idx]
	}
	return fmt.Sprintf("prov-%d", idx+1), nil
}

func newTestRenderer(gen *stubGenerator) *Renderer {
	var r *Renderer
	if gen != nil {
		r = New(gen)
	} else {
		r = New(nil)
	}
	r.pause = func(min, max time.Duration) {} // no sleeping in tests
	return r
}

func TestDeliver_SequenceAllParts(t *testing.T) {
	sender := &recordingSender{}
	r := newTestRenderer(nil)

	parts := []Part{
		{Kind: KindText, Text: "one {{n}}"},
		{Kind: KindText, Text: "two"},
		{Kind: KindText, Text: "three"},
	}
	id, err := r.Deliver(context.Background(), sender, "addr-1", parts, map[string]string{"n": "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "prov-1" {
		t.Errorf("provider id = %q, want first part's id", id)
	}
	if len(sender.calls) != 3 {
		t.Fatalf("sent %d parts, want 3", len(sender.calls))
	}
	if sender.calls[0].Text != "one 1" {
		t.Errorf("first part text = %q", sender.calls[0].Text)
	}
}

func TestDeliver_AbortsOnFirstFailure(t *testing.T) {
	sender := &recordingSender{outcome: []error{nil, errors.New("delivery refused")}}
	r := newTestRenderer(nil)

	parts := []Part{
		{Kind: KindText, Text: "one"},
		{Kind: KindText, Text: "two"},
		{Kind: KindText, Text: "three"},
	}
	_, err := r.Deliver(context.Background(), sender, "addr-1", parts, nil)
	if err == nil {
		t.Fatal("expected error from part 2")
	}
	if got := err.Error(); got != "part 2: delivery refused" {
		t.Errorf("error = %q, want part-2 reason", got)
	}
	// Part 3 must never be attempted.
	if len(sender.calls) != 2 {
		t.Errorf("sent %d parts, want 2", len(sender.calls))
	}
}
