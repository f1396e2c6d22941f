package memory

import (
	"regexp"
	"strings"
)

// Markers configures the directive delimiters the model uses to request
// memory mutations inside its response text.
type Markers struct {
	ReplaceStart string
	ReplaceEnd   string
	AppendStart  string
	AppendEnd    string
}

// Suggestions is the parsed outcome of one response text. ReplaceSet with an
// empty Replace means a full clear.
type Suggestions struct {
	ReplaceSet bool
	Replace    string
	Appends    []string
}

// Empty reports whether no mutation was requested.
func (s Suggestions) Empty() bool {
	return !s.ReplaceSet && len(s.Appends) == 0
}

// Parser extracts memory directives from response text.
type Parser struct {
	markers Markers

	replaceRe       *regexp.Regexp
	appendRe        *regexp.Regexp
	appendLenientRe *regexp.Regexp
}

// NewParser compiles matchers for the configured markers.
func NewParser(m Markers) *Parser {
	return &Parser{
		markers: m,
		replaceRe: regexp.MustCompile(
			regexp.QuoteMeta(m.ReplaceStart) + `(?s)(.*?)` + regexp.QuoteMeta(m.ReplaceEnd)),
		appendRe: regexp.MustCompile(
			regexp.QuoteMeta(m.AppendStart) + `(?s)(.*?)` + regexp.QuoteMeta(m.AppendEnd)),
		appendLenientRe: regexp.MustCompile(
			regexp.QuoteMeta(m.AppendStart) + `(?s)(.*)$`),
	}
}

// Parse extracts directives. REPLACE takes precedence: if any strict replace
// match exists, append directives are ignored entirely. When no strict append
// match exists, a lone start marker is accepted only if it begins past the
// midpoint of the text, so a missing end marker cannot swallow most of the
// reply.
func (p *Parser) Parse(text string) Suggestions {
	var out Suggestions

	if matches := p.replaceRe.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		bodies := make([]string, 0, len(matches))
		for _, m := range matches {
			bodies = append(bodies, strings.TrimSpace(m[1]))
		}
		out.ReplaceSet = true
		out.Replace = strings.Join(bodies, "\n")
		return out
	}

	if matches := p.appendRe.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		for _, m := range matches {
			if body := strings.TrimSpace(m[1]); body != "" {
				out.Appends = append(out.Appends, body)
			}
		}
		return out
	}

	if loc := p.appendLenientRe.FindStringSubmatchIndex(text); loc != nil {
		if loc[0] > len(text)/2 {
			if body := strings.TrimSpace(text[loc[2]:loc[3]]); body != "" {
				out.Appends = append(out.Appends, body)
			}
		}
	}
	return out
}

// Clean returns the text with all directive blocks and stray markers removed,
// for display to the user.
func (p *Parser) Clean(text string) string {
	cleaned := p.replaceRe.ReplaceAllString(text, "")
	cleaned = p.appendRe.ReplaceAllString(cleaned, "")

	// A lenient append consumed the tail; drop it from the visible text too.
	if loc := p.appendLenientRe.FindStringIndex(cleaned); loc != nil && loc[0] > len(cleaned)/2 {
		cleaned = cleaned[:loc[0]]
	}

	for _, marker := range []string{p.markers.ReplaceStart, p.markers.ReplaceEnd, p.markers.AppendStart, p.markers.AppendEnd} {
		cleaned = strings.ReplaceAll(cleaned, marker, "")
	}
	return strings.TrimSpace(cleaned)
}
