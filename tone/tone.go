// Package tone picks the voice a reply is written in and extracts the
// keywords that anchor it to the post. Pure functions, no I/O.
package tone

import (
	"regexp"
	"sort"
	"strings"
)

// Tone selects the reply voice.
type Tone int

const (
	Strategic Tone = iota
	Playful
	Cosmic
)

// String returns the lowercase tone name used in prompts and config.
func (t Tone) String() string {
	switch t {
	case Playful:
		return "playful"
	case Cosmic:
		return "cosmic"
	default:
		return "strategic"
	}
}

// Directive returns the style instruction embedded in the drafting prompt.
func (t Tone) Directive() string {
	switch t {
	case Playful:
		return "witty, appreciative, lightly sarcastic; add a wink, keep it sharp."
	case Cosmic:
		return "playful cosmic builder; one gentle orbit/gravity metaphor, never overdone."
	default:
		return "concise, insightful, appreciative; one practical lens that hints at real traction."
	}
}

// Parse maps a configuration value to a Tone. The second return is false for
// "auto" or any unrecognized value, meaning the tone should be classified
// per post instead.
func Parse(s string) (Tone, bool) {
	switch strings.ToLower(s) {
	case "strategic":
		return Strategic, true
	case "playful":
		return Playful, true
	case "cosmic":
		return Cosmic, true
	}
	return Strategic, false
}

// Signal groups checked in order; the first group with a match decides.
// Matching is by substring, so short signals like "gm" also fire inside
// longer words.
var (
	technicalSignals = []string{"stability", "testing", "edge case", "bug", "latency", "incident", "rollout"}
	questionSignals  = []string{"why", "how", "what", "think", "idea"}
	launchSignals    = []string{"launch", "partnership", "drop", "soon", "alpha"}
	cosmicSignals    = []string{"future", "vision", "universe", "orbit", "space"}
	troubleSignals   = []string{"scam", "rug", "problem", "fix", "issue"}
	casualSignals    = []string{"gm", "wagmi", "vibe"}
)

// Classify picks a tone for a post using keyword heuristics.
func Classify(text string) Tone {
	t := strings.ToLower(text)
	switch {
	case containsAny(t, technicalSignals):
		return Strategic
	case containsAny(t, questionSignals):
		return Strategic
	case containsAny(t, launchSignals):
		return Playful
	case containsAny(t, cosmicSignals):
		return Cosmic
	case containsAny(t, troubleSignals):
		return Strategic
	case containsAny(t, casualSignals):
		return Playful
	}
	return Strategic
}

func containsAny(text string, signals []string) bool {
	for _, s := range signals {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// wordRegex matches content words of three or more characters.
var wordRegex = regexp.MustCompile(`[a-z][a-z0-9-]{2,}`)

var stopwords = buildStopwords()

func buildStopwords() map[string]bool {
	m := make(map[string]bool)
	words := "the a an and or but with without into onto from for of on in at to as is are was were been be it this that those these we you they i our your their not just only"
	for _, w := range strings.Fields(words) {
		m[w] = true
	}
	return m
}

// Keywords returns up to k content words of text ranked by frequency,
// ties broken by first occurrence.
func Keywords(text string, k int) []string {
	if k <= 0 {
		return nil
	}

	counts := make(map[string]int)
	var order []string
	for _, w := range wordRegex.FindAllString(strings.ToLower(text), -1) {
		if stopwords[w] {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})

	if len(order) > k {
		order = order[:k]
	}
	return order
}
