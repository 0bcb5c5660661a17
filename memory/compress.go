package memory

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// preservedPatterns extract the facts a compressed entry must keep: URLs,
// emails, error lines, CSS-like selectors, class/id attributes, dotted-quad
// IPs, and numbers of three or more digits. The set is replaceable so
// deployments can preserve domain-specific tokens.
var preservedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://[^\s"'<>]+`),
	regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	regexp.MustCompile(`(?im)^.*\b(?:error|exception|failed|failure)\b.*$`),
	regexp.MustCompile(`[#.][a-zA-Z][\w-]*(?:\s*[>+~]\s*[#.]?[a-zA-Z][\w-]*)+`),
	regexp.MustCompile(`(?:class|id)=["'][^"']+["']`),
	regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	regexp.MustCompile(`\b\d{3,}\b`),
}

// maxPreservedFacts bounds the preserved list so compression cannot inflate
// an entry beyond its source.
const maxPreservedFacts = 20

// maxBoundaryLine caps the kept first/last line so long single-line entries
// still shrink when compressed.
const maxBoundaryLine = 120

// Compressor summarizes entries while keeping high-value tokens.
type Compressor struct {
	patterns []*regexp.Regexp
}

// NewCompressor creates a compressor with the default pattern set.
func NewCompressor() *Compressor {
	return &Compressor{patterns: preservedPatterns}
}

// NewCompressorWithPatterns creates a compressor with a custom pattern set.
func NewCompressorWithPatterns(patterns []*regexp.Regexp) *Compressor {
	return &Compressor{patterns: patterns}
}

// Compress reduces content to its boundary lines plus preserved facts:
// "[role] firstLine … lastLine [preserved: …]". Boundary lines are capped so
// the result shrinks even for long single-line content; facts already
// visible in the kept lines are not repeated.
func (c *Compressor) Compress(role, content string) string {
	lines := nonEmptyLines(content)

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(role)
	b.WriteString("]")
	if len(lines) > 0 {
		b.WriteString(" ")
		b.WriteString(truncateLine(lines[0]))
	}
	if len(lines) > 1 {
		b.WriteString(" … ")
		b.WriteString(truncateLine(lines[len(lines)-1]))
	}

	facts := c.extractFacts(content, b.String())
	if len(facts) > 0 {
		b.WriteString(" [preserved: ")
		b.WriteString(strings.Join(facts, ", "))
		b.WriteString("]")
	}
	return b.String()
}

// extractFacts collects deduplicated pattern matches in pattern order,
// skipping matches already present in the kept boundary text.
func (c *Compressor) extractFacts(content, kept string) []string {
	seen := make(map[string]bool)
	var facts []string
	for _, p := range c.patterns {
		for _, m := range p.FindAllString(content, -1) {
			m = strings.TrimSpace(m)
			if m == "" || seen[m] || strings.Contains(kept, m) {
				continue
			}
			seen[m] = true
			facts = append(facts, m)
			if len(facts) >= maxPreservedFacts {
				return facts
			}
		}
	}
	return facts
}

func truncateLine(l string) string {
	if len(l) <= maxBoundaryLine {
		return l
	}
	cut := maxBoundaryLine
	for cut > 0 && !utf8.RuneStart(l[cut]) {
		cut--
	}
	return strings.TrimSpace(l[:cut]) + "…"
}

func nonEmptyLines(content string) []string {
	var lines []string
	for _, l := range strings.Split(content, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
