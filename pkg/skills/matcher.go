package skills

import "strings"

const (
	keywordScore = 10
	slugScore    = 15

	// MinMatchScore is the lowest score that selects a skill. Anything below
	// it is treated as noise from short or generic messages.
	MinMatchScore = 3
)

var slugSeparators = strings.NewReplacer("-", " ", "_", " ")

// MatchResult is the outcome of scoring one message against a skill set.
// Skill is nil when nothing reached MinMatchScore; Score is then the best
// score seen.
type MatchResult struct {
	Skill *Skill
	Score int
}

// Matched reports whether a skill was selected.
func (r MatchResult) Matched() bool {
	return r.Skill != nil
}

// Match scores message against every skill and returns the best one when
// its score is at least MinMatchScore. Equal scores keep the skill seen
// first.
//
// Per skill: +10 for every declared keyword that is a substring of the
// lower-cased message, +15 when the slug (hyphens and underscores read as
// spaces) is a substring of it, plus the number of word tokens the message
// shares with the first 5000 characters of the skill's content.
func Match(message string, skills []*Skill) MatchResult {
	lowered := strings.ToLower(message)
	messageTokens := tokenize(lowered)

	var best MatchResult
	for _, skill := range skills {
		score := Score(lowered, messageTokens, skill)
		if score > best.Score {
			best = MatchResult{Skill: skill, Score: score}
		}
	}

	if best.Score < MinMatchScore {
		return MatchResult{Score: best.Score}
	}
	return best
}

// Score computes a single skill's score for an already lower-cased message
// and its token set.
func Score(lowered string, messageTokens map[string]struct{}, skill *Skill) int {
	score := 0

	for _, kw := range skill.Keywords {
		if kw != "" && strings.Contains(lowered, kw) {
			score += keywordScore
		}
	}

	phrase := strings.ToLower(slugSeparators.Replace(skill.Name))
	if phrase != "" && strings.Contains(lowered, phrase) {
		score += slugScore
	}

	contentTokens := skill.contentTokens()
	small, large := messageTokens, contentTokens
	if len(small) > len(large) {
		small, large = large, small
	}
	for tok := range small {
		if _, ok := large[tok]; ok {
			score++
		}
	}

	return score
}
