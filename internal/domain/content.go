package domain

import (
	"fmt"
	"strings"
)

// Kind is the tag of a message's content.
type Kind string

const (
	KindText          Kind = "text"
	KindRecordedAudio Kind = "recorded_audio"
	KindUploadedAudio Kind = "uploaded_audio"
	KindRecordedVideo Kind = "recorded_video"
	KindUploadedImage Kind = "uploaded_image"
	KindCapturedImage Kind = "captured_image"
)

// Kinds lists every content tag in a stable order.
var Kinds = []Kind{
	KindText,
	KindRecordedAudio,
	KindUploadedAudio,
	KindRecordedVideo,
	KindUploadedImage,
	KindCapturedImage,
}

func ParseKind(v string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(v)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown content kind %q", ErrValidation, v)
}

// IsMedia reports whether the kind carries a blob reference instead of text.
func (k Kind) IsMedia() bool { return k != KindText && k != "" }

// Family groups kinds for media galleries: "audio", "video", "image" or "text".
func (k Kind) Family() string {
	switch k {
	case KindRecordedAudio, KindUploadedAudio:
		return "audio"
	case KindRecordedVideo:
		return "video"
	case KindUploadedImage, KindCapturedImage:
		return "image"
	case KindText:
		return "text"
	}
	return ""
}

// KindsForFilter resolves a gallery filter to the kinds it selects. The
// filter is either a family name or an exact kind; empty selects all media.
func KindsForFilter(filter string) ([]Kind, error) {
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" || filter == "media" {
		out := []Kind{}
		for _, k := range Kinds {
			if k.IsMedia() {
				out = append(out, k)
			}
		}
		return out, nil
	}
	out := []Kind{}
	for _, k := range Kinds {
		if k.Family() == filter {
			out = append(out, k)
		}
	}
	if len(out) > 0 {
		return out, nil
	}
	k, err := ParseKind(filter)
	if err != nil {
		return nil, err
	}
	return []Kind{k}, nil
}

// BlobRef is a stable reference to a stored binary object.
type BlobRef string

// Content is the tagged payload of a message. Each variant carries only the
// fields it needs.
type Content interface {
	Kind() Kind
	isContent()
}

type Text struct{ Body string }

type RecordedAudio struct{ Ref BlobRef }

type UploadedAudio struct{ Ref BlobRef }

type RecordedVideo struct{ Ref BlobRef }

type UploadedImage struct{ Ref BlobRef }

type CapturedImage struct{ Ref BlobRef }

func (Text) Kind() Kind          { return KindText }
func (RecordedAudio) Kind() Kind { return KindRecordedAudio }
func (UploadedAudio) Kind() Kind { return KindUploadedAudio }
func (RecordedVideo) Kind() Kind { return KindRecordedVideo }
func (UploadedImage) Kind() Kind { return KindUploadedImage }
func (CapturedImage) Kind() Kind { return KindCapturedImage }

func (Text) isContent()          {}
func (RecordedAudio) isContent() {}
func (UploadedAudio) isContent() {}
func (RecordedVideo) isContent() {}
func (UploadedImage) isContent() {}
func (CapturedImage) isContent() {}

// DecodeContent builds the variant for kind from its raw stored form.
func DecodeContent(kind Kind, raw string) (Content, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	ref := BlobRef(raw)
	switch kind {
	case KindText:
		return Text{Body: raw}, nil
	case KindRecordedAudio:
		return RecordedAudio{Ref: ref}, nil
	case KindUploadedAudio:
		return UploadedAudio{Ref: ref}, nil
	case KindRecordedVideo:
		return RecordedVideo{Ref: ref}, nil
	case KindUploadedImage:
		return UploadedImage{Ref: ref}, nil
	case KindCapturedImage:
		return CapturedImage{Ref: ref}, nil
	}
	return nil, fmt.Errorf("%w: unknown content kind %q", ErrValidation, kind)
}

// EncodeContent flattens a variant to its tag and raw stored form.
func EncodeContent(c Content) (Kind, string) {
	switch v := c.(type) {
	case Text:
		return KindText, v.Body
	case RecordedAudio:
		return KindRecordedAudio, string(v.Ref)
	case UploadedAudio:
		return KindUploadedAudio, string(v.Ref)
	case RecordedVideo:
		return KindRecordedVideo, string(v.Ref)
	case UploadedImage:
		return KindUploadedImage, string(v.Ref)
	case CapturedImage:
		return KindCapturedImage, string(v.Ref)
	}
	return "", ""
}
