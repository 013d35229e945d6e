package nlip

import "strings"

// Message is the NLIP wire envelope. The same shape is used for requests,
// responses, and nested submessages.
type Message struct {
	Control     *bool      `json:"control,omitempty"`
	Format      string     `json:"format"`
	Subformat   string     `json:"subformat"`
	Content     string     `json:"content"`
	Label       string     `json:"label,omitempty"`
	Submessages *[]Message `json:"submessages,omitempty"`
}

// Message formats
const (
	FormatText   = "text"
	FormatBinary = "binary"
)

// Subformats
const (
	SubformatEnglish = "english"
)

// NewTextMessage builds a plain english text message
func NewTextMessage(content string) Message {
	return Message{
		Format:    FormatText,
		Subformat: SubformatEnglish,
		Content:   content,
	}
}

// NewImageMessage builds a text prompt carrying a base64 image submessage
func NewImageMessage(prompt, base64Image, imageFormat string) Message {
	if prompt == "" {
		prompt = "What do you see in this image?"
	}
	sub := []Message{{
		Format:    FormatBinary,
		Subformat: imageFormat,
		Content:   base64Image,
	}}
	msg := NewTextMessage(prompt)
	msg.Submessages = &sub
	return msg
}

// IsValidImageSubformat reports whether the subformat is a supported image type
func IsValidImageSubformat(subformat string) bool {
	switch strings.ToLower(subformat) {
	case "jpeg", "jpg", "png", "gif", "bmp":
		return true
	default:
		return false
	}
}
