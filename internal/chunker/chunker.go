// Package chunker splits catalog item content into passages used for search
// snippets.
package chunker

import (
	"strings"
	"unicode"
)

const (
	DefaultTargetSize = 400
	DefaultMaxSize    = 600
)

// Options configures splitting.
type Options struct {
	TargetSize int // passages are packed up to this many bytes
	MaxSize    int // content at or under this stays a single passage
}

// DefaultOptions returns default splitting options.
func DefaultOptions() Options {
	return Options{TargetSize: DefaultTargetSize, MaxSize: DefaultMaxSize}
}

// Passage is a contiguous piece of content with its 1-based line span.
type Passage struct {
	Text      string
	StartLine int
	EndLine   int
}

// Split breaks text into passages. Sections (markdown headings and blank-line
// separated paragraphs) are packed together up to TargetSize; a section longer
// than MaxSize is broken on sentence and then word boundaries.
func Split(text string, opts Options) []Passage {
	if opts.TargetSize <= 0 || opts.MaxSize <= 0 {
		opts = DefaultOptions()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= opts.MaxSize {
		return []Passage{{Text: text, StartLine: 1, EndLine: strings.Count(text, "\n") + 1}}
	}

	var out []Passage
	var cur *Passage
	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}

	for _, sec := range sections(text) {
		if len(sec.Text) > opts.MaxSize {
			flush()
			for _, piece := range pack(sentences(sec.Text), opts.TargetSize, opts.MaxSize) {
				out = append(out, Passage{Text: piece, StartLine: sec.StartLine, EndLine: sec.EndLine})
			}
			continue
		}
		if cur != nil && len(cur.Text)+2+len(sec.Text) <= opts.TargetSize {
			cur.Text += "\n\n" + sec.Text
			cur.EndLine = sec.EndLine
			continue
		}
		flush()
		s := sec
		cur = &s
	}
	flush()
	return out
}

// sections splits on headings and blank lines.
func sections(text string) []Passage {
	lines := strings.Split(text, "\n")
	var out []Passage
	var buf []string
	start := 1

	emit := func(end int) {
		t := strings.TrimSpace(strings.Join(buf, "\n"))
		if t != "" {
			out = append(out, Passage{Text: t, StartLine: start, EndLine: end})
		}
		buf = nil
	}

	for i, line := range lines {
		n := i + 1
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			emit(n - 1)
			start = n + 1
			continue
		case strings.HasPrefix(trimmed, "#") && len(buf) > 0:
			emit(n - 1)
			start = n
		}
		if len(buf) == 0 {
			start = n
		}
		buf = append(buf, line)
	}
	emit(len(lines))
	return out
}

// sentences splits after terminal punctuation followed by whitespace and at
// line breaks.
func sentences(text string) []string {
	var out []string
	runes := []rune(text)
	last := 0
	for i, r := range runes {
		boundary := r == '\n'
		if (r == '.' || r == '?' || r == '!') && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			boundary = true
		}
		if boundary {
			if s := strings.TrimSpace(string(runes[last : i+1])); s != "" {
				out = append(out, s)
			}
			last = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[last:])); s != "" {
		out = append(out, s)
	}
	return out
}

// pack joins pieces up to target bytes, cutting any piece over max on word
// boundaries first.
func pack(pieces []string, target, max int) []string {
	var units []string
	for _, p := range pieces {
		if len(p) <= max {
			units = append(units, p)
			continue
		}
		units = append(units, words(p, target)...)
	}

	var out []string
	var cur strings.Builder
	for _, u := range units {
		if cur.Len() > 0 && cur.Len()+1+len(u) > target {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(u)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func words(text string, target int) []string {
	var out []string
	var cur strings.Builder
	for _, w := range strings.Fields(text) {
		if cur.Len() > 0 && cur.Len()+1+len(w) > target {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// Score counts how many of the lower-case terms occur in text.
func Score(text string, terms []string) int {
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if t != "" && strings.Contains(lower, t) {
			hits++
		}
	}
	return hits
}
