package skills

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
)

var (
	keywordsLine = regexp.MustCompile(`(?im)^[ \t]*(?:[-*+>][ \t]+)?[*_]{0,2}keywords[*_]{0,2}[ \t]*:[*_]{0,2}(.*)$`)
	wordPattern  = regexp.MustCompile(`[\p{L}\p{N}_]+`)
)

// parseSkill derives a Skill from a document. It never fails: frontmatter
// that cannot be parsed is ignored and the raw text is kept as content.
func parseSkill(name, document string) *Skill {
	front := frontmatter(document)
	body := extractBodyContent(document)

	title := extractTitle(body)
	if title == "" {
		if t, ok := front["title"].(string); ok {
			title = strings.TrimSpace(t)
		}
	}
	if title == "" {
		title = name
	}

	keywords := make(map[string]struct{})
	for _, kw := range extractKeywords(body) {
		keywords[kw] = struct{}{}
	}
	for _, kw := range frontmatterKeywords(front["keywords"]) {
		keywords[kw] = struct{}{}
	}

	return &Skill{
		Name:     name,
		Title:    title,
		Content:  body,
		Keywords: sortedKeys(keywords),
		tokens:   tokenize(strings.ToLower(leadingRunes(body, contentTokenWindow))),
	}
}

// extractTitle returns the text of the first line starting with a heading
// marker, or "" when there is none.
func extractTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
	}
	return ""
}

// extractKeywords collects the comma-separated values of every
// "Keywords:" line, trimmed and lower-cased. The label may sit in a list item
// or carry bold or italic markers.
func extractKeywords(content string) []string {
	var out []string
	for _, m := range keywordsLine.FindAllStringSubmatch(content, -1) {
		out = append(out, splitKeywords(m[1])...)
	}
	return out
}

func splitKeywords(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		kw := strings.ToLower(strings.Trim(part, " \t*_"))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func frontmatterKeywords(v any) []string {
	switch kws := v.(type) {
	case string:
		return splitKeywords(kws)
	case []any:
		var out []string
		for _, kw := range kws {
			out = append(out, splitKeywords(fmt.Sprint(kw))...)
		}
		return out
	default:
		return nil
	}
}

// frontmatter parses the leading YAML block, if any.
func frontmatter(document string) map[string]any {
	if !strings.HasPrefix(document, "---") {
		return nil
	}

	md := goldmark.New(
		goldmark.WithExtensions(meta.Meta),
	)

	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert([]byte(document), &buf, parser.WithContext(pctx)); err != nil {
		return nil
	}

	data, err := meta.TryGet(pctx)
	if err != nil {
		return nil
	}
	return data
}

// extractBodyContent removes YAML frontmatter and returns the body
func extractBodyContent(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}

	lines := strings.Split(content, "\n")
	frontmatterEnd := -1

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			frontmatterEnd = i
			break
		}
	}

	if frontmatterEnd == -1 {
		return content
	}

	return strings.TrimLeft(strings.Join(lines[frontmatterEnd+1:], "\n"), "\n")
}

// tokenize splits already lower-cased text into its set of word runs.
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, w := range wordPattern.FindAllString(text, -1) {
		tokens[w] = struct{}{}
	}
	return tokens
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
