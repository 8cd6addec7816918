package types

import "strings"

// Mood vocabulary
const (
	MoodNeutral   = "Neutral"
	MoodHappy     = "Happy"
	MoodSad       = "Sad"
	MoodExcited   = "Excited"
	MoodAngry     = "Angry"
	MoodSurprised = "Surprised"
	MoodConfused  = "Confused"
	MoodCurious   = "Curious"
)

var moods = []string{MoodNeutral, MoodHappy, MoodSad, MoodExcited, MoodAngry, MoodSurprised, MoodConfused, MoodCurious}

// CanonicalMood folds a model-supplied emotion onto the vocabulary.
// Anything unrecognised becomes Neutral.
func CanonicalMood(s string) string {
	s = strings.TrimSpace(s)
	for _, m := range moods {
		if strings.EqualFold(s, m) {
			return m
		}
	}
	return MoodNeutral
}

// Envelope is the single response shape every capability normalizes to.
// When Succeeded is false, Text is a caller-safe message.
type Envelope struct {
	Text      string `json:"text"`
	Mood      string `json:"mood"`
	Succeeded bool   `json:"succeeded"`
}

// Caller-safe failure texts.
const (
	ChatApology   = "I couldn't get a response right now. Please try again in a moment."
	ImageApology  = "All image generation services are busy right now. Please try again later."
	VideoApology  = "All video generation services are busy right now. Please try again later."
	QuotaExceeded = "You've reached today's free limit for this feature. Upgrade to Pro for unlimited generations."
	GenericOK     = "Done! Let me know if there's anything else I can help with."
)

// Apology returns the fixed failure envelope for a capability.
func Apology(c Capability) Envelope {
	text := ChatApology
	switch c {
	case ImageGeneration:
		text = ImageApology
	case VideoGeneration:
		text = VideoApology
	}
	return Envelope{Text: text, Mood: MoodNeutral, Succeeded: false}
}
