package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fpang/topic-explorer/internal/generation"
	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/session"
)

// imagePlaceholder is sent as the topic when the user supplied only an image.
const imagePlaceholder = "Explain this image"

// buildRequest turns a job into a generation request. The topic text
// depends on the job kind; mode and voice come from the session context.
func buildRequest(j jobs.Job, originTopic string, c session.Context, defaultMode generation.Mode) generation.Request {
	req := generation.Request{
		Topic:         topicFor(j, originTopic, c),
		JobID:         j.ID,
		ImageContext:  j.Prompt.ImageRef,
		ImageFilename: j.Prompt.ImageFilename,
		Mode:          defaultMode,
		VoiceID:       c.VoiceID,
	}
	switch generation.Mode(strings.ToLower(c.Style)) {
	case generation.ModeDeep:
		req.Mode = generation.ModeDeep
	case generation.ModeFast:
		req.Mode = generation.ModeFast
	}
	return req
}

func topicFor(j jobs.Job, originTopic string, c session.Context) string {
	text := strings.TrimSpace(j.Prompt.Text)

	switch j.Kind {
	case jobs.KindQuizRemediation:
		q := j.Prompt
		if q.WasCorrect {
			return fmt.Sprintf("The learner answered %q correctly with %q while studying %s. Build on that and go one level deeper.",
				q.Question, q.Answer, originTopic)
		}
		msg := fmt.Sprintf("The learner answered %q with %q, which was incorrect, while studying %s.",
			q.Question, q.Answer, originTopic)
		if q.Reasoning != "" {
			msg += fmt.Sprintf(" Their reasoning was: %q.", q.Reasoning)
		}
		return msg + " Explain the misconception and reteach the idea."

	case jobs.KindClosingReflection:
		topics := c.HistoryTopics
		if len(topics) == 0 && c.InitialTopic != "" {
			topics = []string{c.InitialTopic}
		}
		return fmt.Sprintf("Close the lesson on %s. Recap the path through: %s. End with three reflection questions.",
			firstNonEmpty(c.InitialTopic, originTopic), strings.Join(topics, "; "))

	default:
		if text == "" && j.Prompt.HasImage() {
			return imagePlaceholder
		}
		return text
	}
}

// historyTopic is the label recorded in the session history for a job.
func historyTopic(j jobs.Job) string {
	switch j.Kind {
	case jobs.KindQuizRemediation:
		return firstNonEmpty(j.Prompt.Question, string(j.Kind))
	case jobs.KindClosingReflection:
		return "Reflection"
	}
	return firstNonEmpty(strings.TrimSpace(j.Prompt.Text), j.Prompt.ImageFilename, imagePlaceholder)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
