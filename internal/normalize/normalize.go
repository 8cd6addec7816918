// Package normalize turns heterogeneous provider replies into the canonical envelope.
//
// Chat replies go through a fixed pipeline: structured parse, otherwise ordered
// fragment stripping, one unmatched brace/quote strip and escape repair. The
// pipeline repeats until the text stops changing, so normalizing its own
// output is a no-op. Empty results become the generic message.
package normalize

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/roelfdiedericks/fallgate/internal/types"
)

// textKeys and moodKeys name the fields a structured chat reply may use.
var (
	textKeys = []string{"response", "text", "final", "answer", "reply", "message", "content"}
	moodKeys = []string{"emotion", "mood"}
)

// extraPasses bounds the loop beyond len(raw). Every pass that changes the
// text shortens it, so the bound is never reached in practice.
const extraPasses = 8

var unescaper = strings.NewReplacer(`\n`, "\n", `\"`, `"`, `\t`, "\t")

// Normalizer implements dispatch.Normalizer.
type Normalizer struct {
	fragments []Fragment
	generic   string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithFragments replaces the fragment strip list.
func WithFragments(f []Fragment) Option {
	return func(n *Normalizer) { n.fragments = f }
}

// WithGenericMessage sets the text used when a reply is empty after cleanup.
func WithGenericMessage(msg string) Option {
	return func(n *Normalizer) {
		if strings.TrimSpace(msg) != "" {
			n.generic = strings.TrimSpace(msg)
		}
	}
}

// New returns a Normalizer with the default fragment list.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{fragments: DefaultFragments, generic: types.GenericOK}
	for _, opt := range opts {
		opt(n)
	}
	// The generic message must itself be a fixed point.
	if g, _ := n.settle(n.generic); g != "" {
		n.generic = g
	} else {
		n.generic = types.GenericOK
	}
	return n
}

// Normalize converts raw into an envelope for capability c.
func (n *Normalizer) Normalize(raw []byte, c types.Capability) types.Envelope {
	if c.IsMedia() {
		if u, ok := MediaURL(raw); ok {
			return types.Envelope{Text: u, Mood: types.MoodNeutral, Succeeded: true}
		}
		return types.Apology(c)
	}
	return n.Text(string(raw))
}

// Text runs the chat pipeline until it reaches a fixed point.
func (n *Normalizer) Text(raw string) types.Envelope {
	text, mood := n.settle(raw)
	if text == "" {
		text = n.generic
	}
	return types.Envelope{Text: text, Mood: types.CanonicalMood(mood), Succeeded: true}
}

// settle repeats pass until the text stops changing. The first mood found wins.
func (n *Normalizer) settle(raw string) (string, string) {
	text, mood := raw, ""
	for i := 0; i < len(raw)+extraPasses; i++ {
		next, m := n.pass(text)
		if mood == "" {
			mood = m
		}
		if next == text {
			break
		}
		text = next
	}
	return text, mood
}

func (n *Normalizer) pass(s string) (string, string) {
	s = strings.TrimSpace(s)
	if text, mood, ok := structured(s); ok {
		return strings.TrimSpace(text), mood
	}

	mood := ""
	for _, f := range n.fragments {
		var m string
		var hit bool
		if s, m, hit = f.apply(s); hit && mood == "" {
			mood = m
		}
	}

	s = stripUnmatched(strings.TrimSpace(s))
	return strings.TrimSpace(unescape(s)), mood
}

// unescape repairs literal escape sequences outside ``` code blocks.
// An unclosed block runs to the end of the text.
func unescape(s string) string {
	parts := strings.Split(s, "```")
	for i := 0; i < len(parts); i += 2 {
		parts[i] = unescaper.Replace(parts[i])
	}
	return strings.Join(parts, "```")
}

// structured extracts text and mood from a JSON reply, a fenced JSON block,
// or a JSON object embedded in free text. Near-JSON is repaired first.
func structured(s string) (string, string, bool) {
	candidates := []string{s}
	if inner := stripFences(s); inner != s {
		candidates = append(candidates, inner)
	}
	if open, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); open >= 0 && end > open {
		candidates = append(candidates, s[open:end+1])
	}

	for _, c := range candidates {
		if text, mood, ok := decode(c); ok {
			return text, mood, true
		}
	}
	return "", "", false
}

func decode(s string) (string, string, bool) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		if !strings.HasPrefix(s, "{") {
			return "", "", false
		}
		repaired, rerr := jsonrepair.JSONRepair(s)
		if rerr != nil || json.Unmarshal([]byte(repaired), &v) != nil {
			return "", "", false
		}
	}

	switch t := v.(type) {
	case string:
		return t, "", true
	case map[string]interface{}:
		for _, k := range textKeys {
			text, ok := t[k].(string)
			if !ok {
				continue
			}
			mood := ""
			for _, mk := range moodKeys {
				if m, ok := t[mk].(string); ok {
					mood = m
					break
				}
			}
			return text, mood, true
		}
	}
	return "", "", false
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[\"") {
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// stripUnmatched removes at most one unbalanced leading and one unbalanced
// trailing brace or quote.
func stripUnmatched(s string) string {
	opens, closes := strings.Count(s, "{"), strings.Count(s, "}")
	if strings.HasPrefix(s, "{") && opens > closes {
		s = strings.TrimSpace(s[1:])
		opens--
	}
	if strings.HasSuffix(s, "}") && closes > opens {
		s = strings.TrimSpace(s[:len(s)-1])
	}

	if strings.Count(s, `"`)%2 == 1 {
		if strings.HasPrefix(s, `"`) {
			s = strings.TrimSpace(s[1:])
		} else if strings.HasSuffix(s, `"`) {
			s = strings.TrimSpace(s[:len(s)-1])
		}
	}
	return s
}
