package wecom

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message type tags as they appear in the "msgtype" field.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeVoice    = "voice"
	TypeVideo    = "video"
	TypeFile     = "file"
	TypeTextCard = "textcard"
	TypeNews     = "news"
	TypeMarkdown = "markdown"
)

const maxNewsArticles = 8

// Payload is the content of a message. The set of implementations is closed; each
// kind is nested in the request body under the key returned by MsgType.
type Payload interface {
	MsgType() string
	validate() error
}

// Text is a plain text message. Content may contain <a href> links.
type Text struct {
	Content string `json:"content"`
}

func (Text) MsgType() string { return TypeText }

func (t Text) validate() error {
	if strings.TrimSpace(t.Content) == "" {
		return &ValidationError{Field: "text.content", Reason: "must not be empty"}
	}
	return nil
}

// Markdown is rendered only in the WeCom client, not in WeChat.
type Markdown struct {
	Content string `json:"content"`
}

func (Markdown) MsgType() string { return TypeMarkdown }

func (m Markdown) validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return &ValidationError{Field: "markdown.content", Reason: "must not be empty"}
	}
	return nil
}

// Image references previously uploaded media.
type Image struct {
	MediaID string `json:"media_id"`
}

func (Image) MsgType() string   { return TypeImage }
func (i Image) validate() error { return requireMedia("image", i.MediaID) }

type Voice struct {
	MediaID string `json:"media_id"`
}

func (Voice) MsgType() string   { return TypeVoice }
func (v Voice) validate() error { return requireMedia("voice", v.MediaID) }

type Video struct {
	MediaID     string `json:"media_id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

func (Video) MsgType() string   { return TypeVideo }
func (v Video) validate() error { return requireMedia("video", v.MediaID) }

type File struct {
	MediaID string `json:"media_id"`
}

func (File) MsgType() string   { return TypeFile }
func (f File) validate() error { return requireMedia("file", f.MediaID) }

// TextCard is a card with a title, an HTML-ish description and a link.
type TextCard struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	ButtonText  string `json:"btntxt,omitempty"`
}

func (TextCard) MsgType() string { return TypeTextCard }

func (c TextCard) validate() error {
	switch {
	case c.Title == "":
		return &ValidationError{Field: "textcard.title", Reason: "must not be empty"}
	case c.Description == "":
		return &ValidationError{Field: "textcard.description", Reason: "must not be empty"}
	case c.URL == "":
		return &ValidationError{Field: "textcard.url", Reason: "must not be empty"}
	}
	return nil
}

// Article is one entry of a News message. Either URL or AppID+PagePath should be set.
type Article struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	PicURL      string `json:"picurl,omitempty"`
	AppID       string `json:"appid,omitempty"`
	PagePath    string `json:"pagepath,omitempty"`
}

type News struct {
	Articles []Article `json:"articles"`
}

func (News) MsgType() string { return TypeNews }

func (n News) validate() error {
	if len(n.Articles) == 0 || len(n.Articles) > maxNewsArticles {
		return &ValidationError{
			Field:  "news.articles",
			Reason: fmt.Sprintf("must hold 1 to %d articles, got %d", maxNewsArticles, len(n.Articles)),
		}
	}
	for i, a := range n.Articles {
		if a.Title == "" {
			return &ValidationError{Field: fmt.Sprintf("news.articles[%d].title", i), Reason: "must not be empty"}
		}
		if a.URL == "" && a.AppID == "" {
			return &ValidationError{Field: fmt.Sprintf("news.articles[%d].url", i), Reason: "url or appid is required"}
		}
	}
	return nil
}

func requireMedia(kind, mediaID string) error {
	if mediaID == "" {
		return &ValidationError{Field: kind + ".media_id", Reason: "must not be empty"}
	}
	return nil
}

var payloadKinds = map[string]func(json.RawMessage) (Payload, error){
	TypeText:     decodeAs[Text],
	TypeMarkdown: decodeAs[Markdown],
	TypeImage:    decodeAs[Image],
	TypeVoice:    decodeAs[Voice],
	TypeVideo:    decodeAs[Video],
	TypeFile:     decodeAs[File],
	TypeTextCard: decodeAs[TextCard],
	TypeNews:     decodeAs[News],
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodePayload decodes the JSON object found under the msgtype key of a request into
// the matching payload kind.
func DecodePayload(msgType string, raw json.RawMessage) (Payload, error) {
	decode, ok := payloadKinds[msgType]
	if !ok {
		return nil, &ValidationError{Field: "msgtype", Reason: fmt.Sprintf("unsupported message type %q", msgType)}
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, &ValidationError{Field: msgType, Reason: "payload is missing"}
	}
	p, err := decode(raw)
	if err != nil {
		return nil, &ValidationError{Field: msgType, Reason: err.Error()}
	}
	return p, nil
}

// SupportedTypes lists the msgtype values DecodePayload understands.
func SupportedTypes() []string {
	return []string{TypeText, TypeMarkdown, TypeImage, TypeVoice, TypeVideo, TypeFile, TypeTextCard, TypeNews}
}
