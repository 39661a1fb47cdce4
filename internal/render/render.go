// Package render produces final send payloads from campaign message
// specifications: variable substitution, AI-generated content and
// multi-part sequences.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/zulandar/courier/internal/channel"
	"github.com/zulandar/courier/internal/genai"
)

// ErrNotConfigured is returned when a generated part is rendered without a
// generation provider. It is a configuration error, not a delivery failure,
// and must never be recorded against a recipient.
var ErrNotConfigured = errors.New("render: no generation provider configured")

// Part kinds. The static kinds mirror message kinds; KindGenerated
// delegates content to the generation provider.
const (
	KindText      = "text"
	KindImage     = "image"
	KindVideo     = "video"
	KindAudio     = "audio"
	KindDocument  = "document"
	KindGenerated = "generated"
)

// Pause bounds between sequence parts.
const (
	seqPauseMin = 2 * time.Second
	seqPauseMax = 5 * time.Second
)

// Part is one element of a campaign's message specification. A campaign
// with a single part sends one message; multiple parts form a sequence
// delivered in order through the same channel.
type Part struct {
	Kind        string `json:"kind"`
	Text        string `json:"text,omitempty"`        // body (text) or caption (media) template
	MediaRef    string `json:"media_ref,omitempty"`   // passed through to the adapter unchanged
	Filename    string `json:"filename,omitempty"`    // document filename hint
	System      string `json:"system,omitempty"`      // generated: system instruction
	Instruction string `json:"instruction,omitempty"` // generated: user instruction template
}

// DecodeParts parses the JSON-encoded message specification of a campaign.
func DecodeParts(content string) ([]Part, error) {
	var parts []Part
	if err := json.Unmarshal([]byte(content), &parts); err != nil {
		return nil, fmt.Errorf("render: decode message parts: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("render: message specification is empty")
	}
	return parts, nil
}

// EncodeParts serializes a message specification for storage.
func EncodeParts(parts []Part) (string, error) {
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("render: encode message parts: %w", err)
	}
	return string(data), nil
}

// NeedsGenerator reports whether any part delegates content to the
// generation provider.
func NeedsGenerator(parts []Part) bool {
	for _, p := range parts {
		if p.Kind == KindGenerated {
			return true
		}
	}
	return false
}

var tokenRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Substitute replaces {{field}} tokens with recipient attribute values.
// Unknown or absent fields become empty strings, never an error.
func Substitute(text string, attrs map[string]string) string {
	return tokenRe.ReplaceAllStringFunc(text, func(tok string) string {
		field := tokenRe.FindStringSubmatch(tok)[1]
		return attrs[field]
	})
}

// Sender is the minimal delivery surface the renderer needs. The chosen
// channel adapter satisfies it.
type Sender interface {
	Send(ctx context.Context, address string, p channel.Payload) (string, error)
}

// Renderer builds payloads and drives sequence delivery.
type Renderer struct {
	gen   genai.Generator
	pause func(min, max time.Duration) // between sequence parts; injectable in tests
}

// New creates a Renderer. gen may be nil when no generation provider is
// configured; generated parts then fail with a configuration error.
func New(gen genai.Generator) *Renderer {
	return &Renderer{
		gen: gen,
		pause: func(min, max time.Duration) {
			time.Sleep(min + rand.N(max-min))
		},
	}
}

// CanGenerate reports whether a generation provider is configured.
func (r *Renderer) CanGenerate() bool {
	return r.gen != nil
}

// RenderPart produces the payload for one part.
func (r *Renderer) RenderPart(ctx context.Context, part Part, attrs map[string]string) (channel.Payload, error) {
	switch part.Kind {
	case KindText:
		return channel.Payload{
			Kind: KindText,
			Text: Substitute(part.Text, attrs),
		}, nil

	case KindImage, KindVideo, KindAudio, KindDocument:
		return channel.Payload{
			Kind:     part.Kind,
			Text:     Substitute(part.Text, attrs),
			MediaRef: part.MediaRef,
			Filename: part.Filename,
		}, nil

	case KindGenerated:
		if r.gen == nil {
			return channel.Payload{}, ErrNotConfigured
		}
		text, err := r.gen.Generate(ctx, part.System, Substitute(part.Instruction, attrs), attrs)
		if err != nil {
			return channel.Payload{}, fmt.Errorf("render: generate content: %w", err)
		}
		return channel.Payload{Kind: KindText, Text: text}, nil

	default:
		return channel.Payload{}, fmt.Errorf("render: unknown part kind %q", part.Kind)
	}
}

// Deliver renders and sends every part in order through the same sender,
// pausing a randomized 2-5 seconds between parts. The first failure aborts
// the remaining parts and becomes the overall result. On success the
// provider message id of the first part is returned.
func (r *Renderer) Deliver(ctx context.Context, sender Sender, address string, parts []Part, attrs map[string]string) (string, error) {
	var firstID string
	for i, part := range parts {
		if i > 0 {
			r.pause(seqPauseMin, seqPauseMax)
		}
		payload, err := r.RenderPart(ctx, part, attrs)
		if err != nil {
			return "", fmt.Errorf("part %d: %w", i+1, err)
		}
		id, err := sender.Send(ctx, address, payload)
		if err != nil {
			return "", fmt.Errorf("part %d: %w", i+1, err)
		}
		if firstID == "" {
			firstID = id
		}
	}
	return firstID, nil
}
