package normalize

import (
	"fmt"
	"regexp"
	"strings"
)

// Fragment is one strip rule for leaked JSON pieces. Named groups change
// what is removed:
//
//	mood  captures the emotion value before the match is removed
//	keep  replaces the match instead of deleting it (fence unwrapping)
//	q     a leaked closing quote; kept when it closes a quote opened earlier
type Fragment struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultFragments are applied in this order, each at most once per pass.
// Fences are only unwrapped around JSON or leaked reply keys; markdown code
// blocks in a reply are left alone.
var DefaultFragments = []Fragment{
	{Name: "fence_json", Pattern: regexp.MustCompile("^\\s*```json\\s*(?P<keep>[\\s\\S]*?)\\s*(?:```)?\\s*$")},
	{Name: "fence_leak", Pattern: regexp.MustCompile("^\\s*```\\s*(?P<keep>[\\s\\S]*\"(?:response|text|final|answer|reply|emotion|mood)\"\\s*:[\\s\\S]*?)\\s*```\\s*$")},
	{Name: "leading_key", Pattern: regexp.MustCompile(`^\s*\{?\s*"(?:response|final|text|answer|reply)"\s*:\s*"?`)},
	{Name: "trailing_time", Pattern: regexp.MustCompile(`(?P<q>")?\s*,\s*"(?:time_taken|elapsed)"\s*:\s*[0-9.]*\s*\}?\s*$`)},
	{Name: "trailing_mood", Pattern: regexp.MustCompile(`(?P<q>")?\s*,\s*"(?:emotion|mood)"\s*:\s*"(?P<mood>[^"]*)"?\s*\}?\s*"?\s*$`)},
	{Name: "leading_mood", Pattern: regexp.MustCompile(`^\s*\{?\s*"(?:emotion|mood)"\s*:\s*"(?P<mood>[^"]*)"\s*,\s*`)},
}

// ParseFragments compiles user-supplied patterns in order.
func ParseFragments(patterns []string) ([]Fragment, error) {
	out := make([]Fragment, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("fragment pattern %d: %w", i+1, err)
		}
		out = append(out, Fragment{Name: fmt.Sprintf("custom_%d", i+1), Pattern: re})
	}
	return out, nil
}

// apply removes the first match of f from s and returns any captured mood.
func (f Fragment) apply(s string) (string, string, bool) {
	loc := f.Pattern.FindStringSubmatchIndex(s)
	if loc == nil {
		return s, "", false
	}
	group := func(name string) (int, int, bool) {
		idx := f.Pattern.SubexpIndex(name)
		if idx <= 0 || loc[2*idx] < 0 {
			return 0, 0, false
		}
		return loc[2*idx], loc[2*idx+1], true
	}

	mood := ""
	if a, b, ok := group("mood"); ok {
		mood = s[a:b]
	}
	if a, b, ok := group("keep"); ok {
		return s[:loc[0]] + s[a:b] + s[loc[1]:], mood, true
	}
	start := loc[0]
	if _, b, ok := group("q"); ok && strings.Count(s[:start], `"`)%2 == 1 {
		start = b
	}
	return s[:start] + s[loc[1]:], mood, true
}
