// Package types provides the shared request and response types.
package types

import (
	"fmt"
	"strings"
)

// Capability selects which provider list and normalizer rules apply.
type Capability int

const (
	TextCompletion Capability = iota + 1
	ImageGeneration
	VideoGeneration
)

// Capabilities lists every capability in display order.
var Capabilities = []Capability{TextCompletion, ImageGeneration, VideoGeneration}

func (c Capability) String() string {
	switch c {
	case TextCompletion:
		return "text"
	case ImageGeneration:
		return "image"
	case VideoGeneration:
		return "video"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// IsMedia reports whether the capability produces a URL rather than chat text.
func (c Capability) IsMedia() bool {
	return c == ImageGeneration || c == VideoGeneration
}

// ParseCapability accepts "text"/"chat", "image" and "video".
func ParseCapability(s string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "chat":
		return TextCompletion, nil
	case "image":
		return ImageGeneration, nil
	case "video":
		return VideoGeneration, nil
	}
	return 0, fmt.Errorf("unknown capability %q", s)
}

// ResourceKind is a metered resource counted by the quota gate.
type ResourceKind string

const (
	ResourceImage ResourceKind = "image"
	ResourceVideo ResourceKind = "video"
)

// Resource returns the metered resource for a capability, if any.
func (c Capability) Resource() (ResourceKind, bool) {
	switch c {
	case ImageGeneration:
		return ResourceImage, true
	case VideoGeneration:
		return ResourceVideo, true
	}
	return "", false
}

// Mode is a request flag that can reorder the provider view.
type Mode string

const (
	ModeFast Mode = "fast"
)

// HasMode reports whether modes contains m.
func HasMode(modes []Mode, m Mode) bool {
	for _, x := range modes {
		if x == m {
			return true
		}
	}
	return false
}
