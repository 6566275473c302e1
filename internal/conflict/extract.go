package conflict

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Iron-Ham/forge/internal/util"
)

// Side is one participant's draft as seen by an Extractor.
type Side struct {
	Participant string
	DraftID     string
	Text        string
}

// Extractor proposes contradictions between two drafts by different
// participants. Statement[0] of every candidate cites a, Statement[1] cites b.
type Extractor interface {
	Name() string
	Extract(a, b Side) []Candidate
}

// sentence is a sentence span annotated for the extractors.
type sentence struct {
	util.Span
	core    map[string]struct{}
	negated bool
	opinion bool
	rec     recKind
	cue     string
	target  []string
	numbers []quantity
}

type recKind int

const (
	recNone recKind = iota
	recApproach
	recPriority
)

type quantity struct {
	value float64
	unit  string
	text  string
}

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "none": true, "cannot": true,
	"without": true, "avoid": true, "neither": true, "nor": true,
}

var opinionCues = map[string]bool{
	"think": true, "believe": true, "feel": true, "opinion": true,
	"better": true, "worse": true, "best": true, "worst": true,
	"prefer": true, "prefers": true, "preferable": true, "like": true,
	"elegant": true, "ugly": true, "cleaner": true, "simpler": true,
}

// modals mark a recommendation without naming what kind of choice it is.
var modals = map[string]bool{"should": true, "must": true}

var approachCues = map[string]bool{
	"should": true, "must": true, "recommend": true, "recommends": true,
	"propose": true, "proposes": true, "suggest": true, "suggests": true,
	"use": true, "adopt": true, "choose": true, "pick": true, "go": true,
}

var priorityCues = map[string]bool{
	"first": true, "priority": true, "prioritize": true, "focus": true,
	"urgent": true, "before": true, "later": true, "defer": true,
}

func isNegation(w string) bool {
	return negations[w] || strings.HasSuffix(w, "n't")
}

func analyze(text string) []sentence {
	spans := util.Sentences(text)
	out := make([]sentence, 0, len(spans))
	for _, sp := range spans {
		s := sentence{Span: sp, core: make(map[string]struct{})}
		cueSeen := false
		for _, w := range util.Words(sp.Text) {
			switch {
			case isNegation(w.Text):
				s.negated = !s.negated
				continue
			case opinionCues[w.Text]:
				s.opinion = true
			}
			if priorityCues[w.Text] {
				s.rec = recPriority
				s.cue = w.Text
				cueSeen = true
				continue
			}
			if approachCues[w.Text] {
				if s.rec == recNone {
					s.rec = recApproach
				}
				if !modals[w.Text] {
					s.cue = w.Text
				}
				cueSeen = true
				continue
			}
			if q, ok := parseQuantity(w.Text); ok {
				s.numbers = append(s.numbers, q)
				continue
			}
			if util.IsStopword(w.Text) {
				continue
			}
			s.core[w.Text] = struct{}{}
			if cueSeen {
				s.target = append(s.target, w.Text)
			}
		}
		out = append(out, s)
	}
	return out
}

// parseQuantity reads a leading number with an optional unit suffix, so
// "50ms" is 50 "ms" and "3.5" is 3.5.
func parseQuantity(w string) (quantity, bool) {
	end := 0
	for end < len(w) && (w[end] >= '0' && w[end] <= '9' || w[end] == '.') {
		end++
	}
	if end == 0 {
		return quantity{}, false
	}
	v, err := strconv.ParseFloat(strings.TrimRight(w[:end], "."), 64)
	if err != nil {
		return quantity{}, false
	}
	return quantity{value: v, unit: w[end:], text: w}, true
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func statement(side Side, s sentence) Statement {
	return Statement{
		Participant: side.Participant,
		DraftID:     side.DraftID,
		Excerpt:     s.Text,
		Start:       s.Start,
		End:         s.End,
	}
}

// NegationExtractor pairs sentences about the same thing where exactly one
// of them is negated.
type NegationExtractor struct {
	MinOverlap float64
}

func (NegationExtractor) Name() string { return "negation" }

func (e NegationExtractor) Extract(a, b Side) []Candidate {
	var out []Candidate
	for _, sa := range analyze(a.Text) {
		for _, sb := range analyze(b.Text) {
			if sa.negated == sb.negated || len(sa.core) < 1 {
				continue
			}
			if jaccard(sa.core, sb.core) < e.MinOverlap {
				continue
			}
			typ := TypeFactual
			switch {
			case sa.rec == recPriority || sb.rec == recPriority:
				typ = TypePriority
			case sa.rec != recNone || sb.rec != recNone:
				typ = TypeApproach
			case sa.opinion || sb.opinion:
				typ = TypeOpinion
			}
			pos, neg := a.Participant, b.Participant
			if sa.negated {
				pos, neg = neg, pos
			}
			out = append(out, Candidate{
				Type:       typ,
				Statements: [2]Statement{statement(a, sa), statement(b, sb)},
				Summary:    fmt.Sprintf("%s asserts what %s denies", pos, neg),
				Extractor:  e.Name(),
			})
		}
	}
	return out
}

// NumericExtractor pairs sentences about the same quantity whose values
// differ by more than Tolerance, relative to the larger value.
type NumericExtractor struct {
	MinOverlap float64
	Tolerance  float64
}

func (NumericExtractor) Name() string { return "numeric" }

func (e NumericExtractor) Extract(a, b Side) []Candidate {
	var out []Candidate
	for _, sa := range analyze(a.Text) {
		if len(sa.numbers) == 0 {
			continue
		}
		for _, sb := range analyze(b.Text) {
			if len(sb.numbers) == 0 || sa.negated != sb.negated {
				continue
			}
			if jaccard(sa.core, sb.core) < e.MinOverlap {
				continue
			}
			qa, qb := sa.numbers[0], sb.numbers[0]
			if qa.unit != "" && qb.unit != "" && qa.unit != qb.unit {
				continue
			}
			delta := RelativeDelta(qa.value, qb.value)
			if delta <= e.Tolerance {
				continue
			}
			out = append(out, Candidate{
				Type:       TypeFactual,
				Statements: [2]Statement{statement(a, sa), statement(b, sb)},
				Summary:    fmt.Sprintf("%s says %s, %s says %s", a.Participant, qa.text, b.Participant, qb.text),
				Extractor:  e.Name(),
				Delta:      delta,
			})
		}
	}
	return out
}

// RelativeDelta is |x-y| / max(|x|,|y|), or 0 when both are zero.
func RelativeDelta(x, y float64) float64 {
	m := math.Max(math.Abs(x), math.Abs(y))
	if m == 0 {
		return 0
	}
	return math.Abs(x-y) / m
}

// RecommendationExtractor pairs recommendations that name different targets,
// such as "use redis" against "use memcached". Two approach recommendations
// are related when they share a selection verb or enough subject words; any
// two priority statements are related.
type RecommendationExtractor struct {
	MinOverlap float64
}

func (RecommendationExtractor) Name() string { return "recommendation" }

func (e RecommendationExtractor) Extract(a, b Side) []Candidate {
	var out []Candidate
	for _, sa := range analyze(a.Text) {
		if sa.rec == recNone || len(sa.target) == 0 {
			continue
		}
		for _, sb := range analyze(b.Text) {
			if sb.rec != sa.rec || len(sb.target) == 0 || sa.negated != sb.negated {
				continue
			}
			onlyA, onlyB := difference(sa.target, sb.target), difference(sb.target, sa.target)
			if len(onlyA) == 0 || len(onlyB) == 0 {
				continue
			}
			related := sa.rec == recPriority ||
				(sa.cue != "" && sa.cue == sb.cue) ||
				jaccard(sa.core, sb.core) >= e.MinOverlap/2
			if !related {
				continue
			}
			typ := TypeApproach
			if sa.rec == recPriority {
				typ = TypePriority
			}
			out = append(out, Candidate{
				Type:       typ,
				Statements: [2]Statement{statement(a, sa), statement(b, sb)},
				Summary: fmt.Sprintf("%s recommends %s, %s recommends %s",
					a.Participant, strings.Join(onlyA, " "), b.Participant, strings.Join(onlyB, " ")),
				Extractor: e.Name(),
			})
		}
	}
	return out
}

func difference(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, w := range b {
		in[w] = true
	}
	var out []string
	for _, w := range a {
		if !in[w] {
			out = append(out, w)
			in[w] = true
		}
	}
	return out
}
