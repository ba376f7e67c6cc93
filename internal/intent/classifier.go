package intent

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Config holds the scoring constants. The magnitudes are tunable heuristics.
type Config struct {
	BaseConfidence    float64 // first matched keyword
	PositionBoost     float64 // keyword within the first PositionWindow words
	PositionWindow    int
	KeywordBoost      float64 // second distinct keyword; later ones decay
	KeywordDecay      float64
	MaxConfidence     float64
	AmbiguityMargin   float64 // runner-up within this margin is "comparable"
	AmbiguityDamping  float64
	EmptyConfidence   float64
	DefaultConfidence float64 // no keyword matched
	MaxAlternatives   int
}

// DefaultConfig returns the standard scoring constants.
func DefaultConfig() Config {
	return Config{
		BaseConfidence:    0.6,
		PositionBoost:     0.15,
		PositionWindow:    3,
		KeywordBoost:      0.1,
		KeywordDecay:      0.5,
		MaxConfidence:     0.95,
		AmbiguityMargin:   0.1,
		AmbiguityDamping:  0.8,
		EmptyConfidence:   0.3,
		DefaultConfidence: 0.4,
		MaxAlternatives:   2,
	}
}

// Alternative is a competing intent and its score.
type Alternative struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Result is the outcome of classifying one turn.
type Result struct {
	Intent         Intent        `json:"intent"`
	Confidence     float64       `json:"confidence"`
	MatchedSignals []string      `json:"matched_signals"`
	Alternatives   []Alternative `json:"alternatives"`
}

type rule struct {
	intent  Intent
	phrases [][]string
}

// keywords maps each intent to its trigger phrases, matched on whole words.
var keywords = map[Intent][]string{
	RetrieveInsights: {"insight", "insights", "finding", "findings", "learnings", "pain point", "pain points", "themes"},
	RetrieveMetrics:  {"metric", "metrics", "kpi", "kpis", "analytics", "conversion", "retention", "churn", "measurements"},
	RetrieveJTBDs:    {"jtbd", "jtbds", "job to be done", "jobs to be done", "user jobs", "jobs"},
	GenerateQuestions: {
		"how might we", "hmw", "question", "questions", "generate questions", "brainstorm",
	},
	CreateSolutions: {"solution", "solutions", "solve", "ideas", "concepts", "create solutions", "prototype"},
}

// Classifier maps free text to an intent. It holds no mutable state and is
// safe for concurrent use.
type Classifier struct {
	cfg   Config
	rules []rule
}

// New creates a classifier with the given constants.
func New(cfg Config) *Classifier {
	c := &Classifier{cfg: cfg}
	for _, i := range All {
		phrases := keywords[i]
		if len(phrases) == 0 {
			continue
		}
		r := rule{intent: i}
		for _, p := range phrases {
			r.phrases = append(r.phrases, strings.Fields(p))
		}
		c.rules = append(c.rules, r)
	}
	return c
}

// NewDefault creates a classifier with DefaultConfig.
func NewDefault() *Classifier { return New(DefaultConfig()) }

type scored struct {
	intent  Intent
	score   float64
	signals []string
	order   int
}

// Classify scores text against every intent. Empty input yields
// GeneralExploration with low confidence.
func (c *Classifier) Classify(text string) Result {
	words := tokenize(text)
	if len(words) == 0 {
		return Result{
			Intent:         GeneralExploration,
			Confidence:     c.cfg.EmptyConfidence,
			MatchedSignals: []string{},
			Alternatives:   []Alternative{},
		}
	}

	var candidates []scored
	for order, r := range c.rules {
		s := c.score(r, words)
		if s.score > 0 {
			s.order = order
			candidates = append(candidates, s)
		}
	}

	if len(candidates) == 0 {
		return Result{
			Intent:         GeneralExploration,
			Confidence:     c.cfg.DefaultConfidence,
			MatchedSignals: []string{},
			Alternatives:   []Alternative{},
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})

	best := candidates[0]
	res := Result{
		Intent:         best.intent,
		Confidence:     round(best.score),
		MatchedSignals: best.signals,
		Alternatives:   []Alternative{},
	}

	if len(candidates) > 1 && best.score-candidates[1].score <= c.cfg.AmbiguityMargin+1e-9 {
		res.Confidence = round(best.score * c.cfg.AmbiguityDamping)
		for _, cand := range candidates[:2] {
			res.Alternatives = append(res.Alternatives, Alternative{Intent: cand.intent, Confidence: round(cand.score)})
		}
		return res
	}

	for _, cand := range candidates[1:] {
		if len(res.Alternatives) >= c.cfg.MaxAlternatives {
			break
		}
		res.Alternatives = append(res.Alternatives, Alternative{Intent: cand.intent, Confidence: round(cand.score)})
	}
	return res
}

func (c *Classifier) score(r rule, words []string) scored {
	s := scored{intent: r.intent, signals: []string{}}
	first := -1
	matched := 0
	for _, phrase := range r.phrases {
		pos := indexOf(words, phrase)
		if pos < 0 {
			continue
		}
		matched++
		s.signals = append(s.signals, strings.Join(phrase, " "))
		if first < 0 || pos < first {
			first = pos
		}
	}
	if matched == 0 {
		return s
	}

	s.score = c.cfg.BaseConfidence
	if first < c.cfg.PositionWindow {
		s.score += c.cfg.PositionBoost
	}
	boost := c.cfg.KeywordBoost
	for i := 1; i < matched; i++ {
		s.score += boost
		boost *= c.cfg.KeywordDecay
	}
	s.score = math.Min(s.score, c.cfg.MaxConfidence)
	return s
}

// tokenize lower-cases text and splits it on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// indexOf returns the word index where phrase starts, or -1.
func indexOf(words, phrase []string) int {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return -1
	}
outer:
	for i := 0; i+len(phrase) <= len(words); i++ {
		for j, p := range phrase {
			if words[i+j] != p {
				continue outer
			}
		}
		return i
	}
	return -1
}

func round(f float64) float64 {
	return math.Round(f*1000) / 1000
}
