// Package genai abstracts the content generation provider used for
// AI-composed campaign payloads.
package genai

import "context"

// Generator produces message text from a system instruction, a user
// instruction and per-recipient context. A provider error surfaces as a
// send failure on the campaign message, never as a crash.
type Generator interface {
	Generate(ctx context.Context, system, instruction string, contextVars map[string]string) (string, error)
}
