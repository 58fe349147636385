package generation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// statusUpdate is the JSON object carried by each event of the service.
type statusUpdate struct {
	Status             string          `json:"status"`
	Stage              int             `json:"stage,omitempty"`
	StageName          string          `json:"stage_name,omitempty"`
	ProgressPercentage float64         `json:"progress_percentage,omitempty"`
	Message            string          `json:"message,omitempty"`
	JobID              string          `json:"job_id,omitempty"`
	FinalVideoURL      string          `json:"final_video_url,omitempty"`
	SectionDetails     []sectionDetail `json:"section_details,omitempty"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
	Error              string          `json:"error,omitempty"`
	Cached             bool            `json:"cached,omitempty"`
}

type sectionDetail struct {
	Section         int    `json:"section,omitempty"`
	Title           string `json:"title,omitempty"`
	Topic           string `json:"topic,omitempty"`
	VideoURL        string `json:"video_url"`
	ThumbnailURL    string `json:"thumbnail_url,omitempty"`
	VoiceoverScript string `json:"voiceover_script,omitempty"`
	Question        string `json:"question,omitempty"`
}

// parseUpdate decodes one data payload into an Event.
func parseUpdate(data []byte, topic string) (Event, error) {
	var u statusUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return Event{}, fmt.Errorf("decode status update: %w", err)
	}
	return u.toEvent(topic)
}

func (u statusUpdate) toEvent(topic string) (Event, error) {
	switch strings.ToLower(u.Status) {
	case "processing", "":
		return Event{
			Kind: EventProgress,
			Progress: Progress{
				Stage:     u.Stage,
				StageName: u.StageName,
				Percent:   u.ProgressPercentage,
				Message:   u.Message,
				Metadata:  u.Metadata,
			},
		}, nil

	case "completed":
		ev := Event{Kind: EventCompleted}
		for _, s := range u.SectionDetails {
			if s.VideoURL == "" {
				continue
			}
			segTopic := s.Topic
			if segTopic == "" {
				segTopic = topic
			}
			ev.Segments = append(ev.Segments, SegmentDescriptor{
				Topic:        segTopic,
				Title:        s.Title,
				MediaURL:     s.VideoURL,
				ThumbnailURL: s.ThumbnailURL,
				Script:       s.VoiceoverScript,
				Question:     s.Question,
			})
		}
		if len(ev.Segments) == 0 && u.FinalVideoURL != "" {
			ev.Segments = []SegmentDescriptor{{
				Topic:    topic,
				Title:    topic,
				MediaURL: u.FinalVideoURL,
			}}
		}
		return ev, nil

	case "failed", "error":
		msg := u.Error
		if msg == "" {
			msg = u.Message
		}
		if msg == "" {
			msg = "generation failed without a reason"
		}
		return Event{Kind: EventFailed, Error: msg}, nil

	default:
		return Event{}, fmt.Errorf("unknown status %q", u.Status)
	}
}
