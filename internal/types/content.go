package types

import "strings"

// Attachment is an optional payload sent alongside the prompt.
// Text attachments carry Text; binary ones carry Data plus MimeType.
type Attachment struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Data     []byte `json:"-"`
}

// IsText reports whether the attachment is a text blob.
func (a *Attachment) IsText() bool {
	return a != nil && a.Text != ""
}

// IsImage reports whether the attachment is binary image data.
func (a *Attachment) IsImage() bool {
	return a != nil && len(a.Data) > 0 && strings.HasPrefix(a.MimeType, "image/")
}

// Request is a single caller request routed through the dispatcher.
type Request struct {
	ID         string
	Capability Capability
	Prompt     string
	Attachment *Attachment
	UserKey    string
	Modes      []Mode
}

// PromptWithText returns the prompt with any text attachment appended.
func (r *Request) PromptWithText() string {
	if r.Attachment.IsText() {
		return r.Prompt + "\n\n[Attached File Content]:\n" + r.Attachment.Text
	}
	return r.Prompt
}
