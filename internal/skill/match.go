package skill

import "strings"

// Match is a manifest action selected for a user utterance or event.
type Match struct {
	Manifest *Manifest
	Action   *Action
	Score    int
}

// MatchEvent returns the first action that declares an event trigger named
// name.
func (c *Configuration) MatchEvent(name string) (Match, bool) {
	for _, m := range c.All() {
		for i := range m.Actions {
			for _, ev := range m.Actions[i].Definition.Triggers.Events {
				if ev.Name == name {
					return Match{Manifest: m, Action: &m.Actions[i], Score: 1}, true
				}
			}
		}
	}
	return Match{}, false
}

// MatchUtterance picks the action whose trigger utterances share the most
// words with text. Ties go to the skill with the lowest id.
func (c *Configuration) MatchUtterance(text string) (Match, bool) {
	words := strings.Fields(strings.ToLower(text))
	var best Match
	for _, m := range c.All() {
		for i := range m.Actions {
			if s := utteranceScore(&m.Actions[i], words); s > best.Score {
				best = Match{Manifest: m, Action: &m.Actions[i], Score: s}
			}
		}
	}
	return best, best.Score > 0
}

func utteranceScore(a *Action, words []string) int {
	score := 0
	for _, u := range a.Definition.Triggers.Utterances {
		for _, t := range u.Text {
			lower := strings.ToLower(t)
			for _, w := range words {
				if len(w) < 3 {
					continue
				}
				if strings.Contains(lower, w) {
					score++
				}
			}
		}
	}
	return score
}
