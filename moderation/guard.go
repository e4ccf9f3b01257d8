// Package moderation guards inbound chat content.
//
// Two independent layers: Guard rejects dangerous input outright, and only
// content that already passed validation is then sanitized and censored.
// Rejection comes first; content crafted to exploit a parser is never
// rewritten into something acceptable.
package moderation

import (
	"regexp"
	"strings"

	"ethshot-chat/errors"
)

// riskPatterns flag content that must be rejected, never repaired.
var riskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*/?\s*script`),
	regexp.MustCompile(`(?i)<\s*/?\s*(iframe|object|embed|form|img|svg|style|link|meta)`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)expression\s*\(`),
	regexp.MustCompile(`(?i)\b(eval\s*\(|document\s*\.|window\s*\.)`),
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	entityPattern     = regexp.MustCompile(`&#?[a-zA-Z0-9]{1,16};`)
	schemePattern     = regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`)
	dataHTMLPattern   = regexp.MustCompile(`(?i)data\s*:\s*text/html[^,\s]*,?`)
	handlerPattern    = regexp.MustCompile(`(?i)\bon\w+\s*=`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

type Guard struct {
	maxLength int
	censor    *Moderator
}

// NewGuard builds a content guard with the given maximum length in code
// points, measured after trimming. The censor is optional.
func NewGuard(maxLength int, censor *Moderator) *Guard {
	return &Guard{maxLength: maxLength, censor: censor}
}

// Validate rejects empty, oversized, or pattern-flagged content.
// Raw angle brackets are an unconditional rejection: simpler and safer than
// guessing at a safe markup subset.
func (g *Guard) Validate(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return errors.ErrEmptyContent
	}
	if len([]rune(trimmed)) > g.maxLength {
		return errors.ErrContentTooLong
	}
	if strings.ContainsAny(trimmed, "<>") {
		return errors.ErrSuspiciousContent
	}
	for _, pattern := range riskPatterns {
		if pattern.MatchString(trimmed) {
			return errors.ErrSuspiciousContent
		}
	}
	return nil
}

// Sanitize is the second line of defense, applied to content that already
// passed Validate. It strips HTML-like tags and entities, neutralizes
// dangerous URI schemes and handler-looking substrings, collapses
// whitespace, and hard-truncates to the maximum length.
func (g *Guard) Sanitize(text string) string {
	out := tagPattern.ReplaceAllString(text, "")
	out = entityPattern.ReplaceAllString(out, "")
	out = schemePattern.ReplaceAllString(out, "")
	out = dataHTMLPattern.ReplaceAllString(out, "")
	out = handlerPattern.ReplaceAllString(out, "")
	out = whitespacePattern.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)

	runes := []rune(out)
	if len(runes) > g.maxLength {
		out = string(runes[:g.maxLength])
	}
	return out
}

// Clean runs the post-validation pipeline: sanitize, then star out censored
// words when a censor is configured.
func (g *Guard) Clean(text string) string {
	out := g.Sanitize(text)
	if g.censor != nil {
		out = g.censor.Censor(out)
	}
	return out
}
