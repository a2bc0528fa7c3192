// Package gateway turns a conversation history into one answer from an
// external text-generation service. Every mode sends a single question: the
// latest user message.
package gateway

import (
	"context"
	"errors"
	"strings"

	"misorachat/internal/models"
)

// PlaceholderQuery is sent when the history holds no user message.
const PlaceholderQuery = "No question was provided."

// ErrUpstream wraps every failure of the generation service, including
// deadline expiry.
var ErrUpstream = errors.New("upstream generation failed")

type Gateway interface {
	Generate(ctx context.Context, history []models.Message) (string, error)
}

// Func adapts a plain function to Gateway.
type Func func(ctx context.Context, history []models.Message) (string, error)

func (f Func) Generate(ctx context.Context, history []models.Message) (string, error) {
	return f(ctx, history)
}

// EffectivePrompt returns the content of the last user message, or
// PlaceholderQuery if there is none.
func EffectivePrompt(history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			return history[i].Content
		}
	}
	return PlaceholderQuery
}

func upstreamError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstream) {
		return err
	}
	return &wrapped{op: op, err: err}
}

type wrapped struct {
	op  string
	err error
}

func (w *wrapped) Error() string {
	var b strings.Builder
	b.WriteString(ErrUpstream.Error())
	if w.op != "" {
		b.WriteString(" (" + w.op + ")")
	}
	b.WriteString(": ")
	b.WriteString(w.err.Error())
	return b.String()
}

func (w *wrapped) Unwrap() []error { return []error{ErrUpstream, w.err} }
