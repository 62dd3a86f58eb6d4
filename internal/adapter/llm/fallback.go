package llm

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/none34829/freya-1/internal/domain"
)

// Reply categories for the fallback generator.
const (
	CategorySupport  = "support"
	CategoryCreative = "creative"
	CategoryGeneral  = "general"
)

// DefaultTokenDelay is the pause between fallback tokens.
const DefaultTokenDelay = 50 * time.Millisecond

var cannedReplies = map[string]string{
	CategorySupport: "Thanks for reaching out. I'm running in offline mode right now, " +
		"so I can't look up your account, but here is what usually helps: " +
		"restart the app, check your connection, and try again. " +
		"If the problem continues, reply with the exact error and I'll walk you through the next steps.",
	CategoryCreative: "Here's a small spark while the main model is away: " +
		"a lighthouse keeper who collects the questions ships signal into the fog, " +
		"and one night receives an answer instead. " +
		"Tell me the tone you want and I'll keep building on it.",
	CategoryGeneral: "I'm answering from a local fallback because the language model is unavailable at the moment. " +
		"Your message was received and saved. " +
		"Please try again shortly for a full response.",
}

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{CategorySupport, []string{"support", "customer", "help desk", "helpdesk", "troubleshoot", "ticket", "refund"}},
	{CategoryCreative, []string{"creative", "story", "poem", "poet", "fiction", "imagin", "brainstorm"}},
}

var tokenPattern = regexp.MustCompile(`\s+|\S+`)

// Fallback is the local reply generator used when the upstream is not
// configured or has failed.
type Fallback struct {
	delay time.Duration
	now   func() time.Time
}

// NewFallback creates a fallback generator. A non-positive delay uses DefaultTokenDelay.
func NewFallback(delay time.Duration) *Fallback {
	if delay <= 0 {
		delay = DefaultTokenDelay
	}
	return &Fallback{delay: delay, now: time.Now}
}

// Category picks the canned reply category for a system prompt.
func Category(systemPrompt string) string {
	lower := strings.ToLower(systemPrompt)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.category
			}
		}
	}
	return CategoryGeneral
}

// Reply returns the canned reply for a system prompt.
func Reply(systemPrompt string) string {
	return cannedReplies[Category(systemPrompt)]
}

// Tokenize splits text into alternating word and whitespace runs. Joining the
// result reproduces text exactly.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(text, -1)
}

// Stream emits the canned reply token by token, then assistant_done with the
// number of tokens emitted. Cancellation ends the stream with an error event.
func (f *Fallback) Stream(ctx context.Context, systemPrompt string, emit EmitFunc) error {
	tokens := Tokenize(Reply(systemPrompt))

	var firstTokenAt, lastTokenAt time.Time
	emitted := 0

	timer := time.NewTimer(f.delay)
	defer timer.Stop()

	for i, token := range tokens {
		if i > 0 {
			timer.Reset(f.delay)
			select {
			case <-ctx.Done():
				return emit(domain.ErrorEvent("completion cancelled: " + context.Cause(ctx).Error()))
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return emit(domain.ErrorEvent("completion cancelled: " + context.Cause(ctx).Error()))
		}

		now := f.now()
		if firstTokenAt.IsZero() {
			firstTokenAt = now
		}
		lastTokenAt = now
		emitted++
		if err := emit(domain.TokenEvent(token, now)); err != nil {
			return err
		}
	}

	return emit(domain.DoneEvent(emitted, firstTokenAt, lastTokenAt))
}
