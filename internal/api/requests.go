package api

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	_ "golang.org/x/image/webp"

	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/tree"
)

var requestValidate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// topicRequest carries a free-text and/or image prompt.
type topicRequest struct {
	Text          string `json:"text" validate:"required_without=Image,max=2000"`
	Image         string `json:"image,omitempty"`
	ImageFilename string `json:"imageFilename,omitempty" validate:"omitempty,max=255,excludesall=/\\"`
}

type quizRequest struct {
	WasCorrect bool   `json:"wasCorrect"`
	Question   string `json:"question" validate:"notblank,max=2000"`
	Answer     string `json:"answer" validate:"max=2000"`
	Reasoning  string `json:"reasoning" validate:"max=4000"`
}

type segmentPatchRequest struct {
	RenderStatus *string              `json:"renderStatus,omitempty" validate:"omitempty,oneof=pending rendering ready failed"`
	MediaURL     *string              `json:"mediaUrl,omitempty" validate:"omitempty,url"`
	ThumbnailURL *string              `json:"thumbnailUrl,omitempty" validate:"omitempty,url"`
	Search       *tree.SearchMetadata `json:"search,omitempty"`
}

type preferencesRequest struct {
	Style   *string `json:"style,omitempty" validate:"omitempty,oneof=deep fast"`
	VoiceID *string `json:"voiceId,omitempty" validate:"omitempty,max=64,alphanum"`
}

// validationMessage flattens validator errors into one client message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func (r topicRequest) prompt(maxImageBytes int64) (jobs.Prompt, error) {
	p := jobs.Prompt{Text: strings.TrimSpace(r.Text), ImageFilename: r.ImageFilename}
	if r.Image == "" {
		if p.Text == "" && p.ImageFilename == "" {
			return p, errors.New("text or image is required")
		}
		return p, nil
	}
	ref, err := checkImage(r.Image, maxImageBytes)
	if err != nil {
		return p, err
	}
	p.ImageRef = ref
	return p, nil
}

func (r segmentPatchRequest) patch() tree.SegmentPatch {
	p := tree.SegmentPatch{
		MediaURL:     r.MediaURL,
		ThumbnailURL: r.ThumbnailURL,
		Search:       r.Search,
	}
	if r.RenderStatus != nil {
		rs := tree.RenderStatus(*r.RenderStatus)
		p.RenderStatus = &rs
	}
	return p
}

// checkImage decodes a base64 image (optionally a data URL), enforces the
// size cap and accepts only JPEG, PNG and WebP. It returns the image as a
// data URL for the generation backend.
func checkImage(encoded string, maxBytes int64) (string, error) {
	payload := encoded
	if strings.HasPrefix(payload, "data:") {
		idx := strings.Index(payload, ",")
		if idx < 0 {
			return "", errors.New("image: malformed data URL")
		}
		payload = payload[idx+1:]
	}
	if maxBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(payload))) > maxBytes+2 {
		return "", fmt.Errorf("image: exceeds %d bytes", maxBytes)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", errors.New("image: invalid base64")
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return "", fmt.Errorf("image: exceeds %d bytes", maxBytes)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return "", errors.New("image: unsupported or corrupt image")
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return "", errors.New("image: empty dimensions")
	}
	return "data:image/" + format + ";base64," + payload, nil
}
