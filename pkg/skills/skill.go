// Package skills loads curated instruction documents ("skills") from a
// directory, keeps them in an atomically swapped in-memory index, and scores
// incoming messages against them to pick the document to inject as LLM
// context.
//
// A skill is a single markdown file. Its slug is the file name without the
// extension, its title is the first heading line, and an optional
// "Keywords: a, b, c" line declares the keywords used for matching. Files may
// also carry YAML frontmatter with title and keywords.
package skills

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// contentTokenWindow is how many leading runes of a skill's content take part
// in token-overlap scoring.
const contentTokenWindow = 5000

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Skill represents a loaded skill document
type Skill struct {
	Name     string   // Unique slug derived from the file name
	Title    string   // First heading, frontmatter title, or the slug
	Content  string   // Document body (frontmatter stripped), used verbatim as context
	Keywords []string // Lower-cased, de-duplicated, sorted
	Path     string   // Source file

	tokens map[string]struct{}
}

// Size returns the byte length of the content.
func (s *Skill) Size() int {
	return len(s.Content)
}

// ValidName reports whether name is an acceptable skill slug.
func ValidName(name string) bool {
	return slugPattern.MatchString(name)
}

// NewSkill builds a skill from a slug and raw document text, deriving title,
// keywords and the scoring token set the same way Store.Load does.
func NewSkill(name, document string) *Skill {
	return parseSkill(name, document)
}

// contentTokens returns the token set of the first contentTokenWindow runes
// of the content, computing it lazily for skills built by hand.
func (s *Skill) contentTokens() map[string]struct{} {
	if s.tokens != nil {
		return s.tokens
	}
	return tokenize(strings.ToLower(leadingRunes(s.Content, contentTokenWindow)))
}

func leadingRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
