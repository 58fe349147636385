package cache

import (
	"strings"
	"unicode"

	"github.com/fpang/topic-explorer/internal/jobs"
)

// Normalize lowercases s, strips everything that is not a letter, digit or
// whitespace, and collapses whitespace runs to single spaces.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// placeholderPrompt is the text the upload widget sends with a bare image.
const placeholderPrompt = "Explain this image"

// KeyForPrompt returns the cache key for a prompt: the text for text-only
// prompts, the image filename for image-only prompts, and
// "<text>__<filename>" when both are present.
func KeyForPrompt(p jobs.Prompt) string {
	text := strings.TrimSpace(p.Text)
	hasText := text != "" && text != placeholderPrompt
	hasImage := p.HasImage()

	switch {
	case hasImage && !hasText && p.ImageFilename != "":
		return p.ImageFilename
	case hasText && hasImage && p.ImageFilename != "":
		return text + "__" + p.ImageFilename
	default:
		return text
	}
}
