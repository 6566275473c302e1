package conflict

import (
	"context"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/forge/internal/drafts"
)

// SeverityRules maps a candidate to a severity. Numeric contradictions whose
// relative delta reaches CriticalNumericDelta are critical; everything else
// takes the severity configured for its type.
type SeverityRules struct {
	Factual              Severity
	Opinion              Severity
	Approach             Severity
	Priority             Severity
	CriticalNumericDelta float64
}

// DefaultSeverityRules treats factual contradictions as major and stylistic
// or approach divergence as minor.
func DefaultSeverityRules() SeverityRules {
	return SeverityRules{
		Factual:              SeverityMajor,
		Opinion:              SeverityMinor,
		Approach:             SeverityMinor,
		Priority:             SeverityMajor,
		CriticalNumericDelta: 0.5,
	}
}

// Classify returns the severity for c.
func (r SeverityRules) Classify(c Candidate) Severity {
	var s Severity
	switch c.Type {
	case TypeFactual:
		s = r.Factual
		if c.Delta > 0 && r.CriticalNumericDelta > 0 && c.Delta >= r.CriticalNumericDelta {
			s = SeverityCritical
		}
	case TypeOpinion:
		s = r.Opinion
	case TypeApproach:
		s = r.Approach
	case TypePriority:
		s = r.Priority
	}
	if s.Rank() == 0 {
		s = SeverityMinor
	}
	return s
}

// Options configures a Detector.
type Options struct {
	// MinOverlap is the share of subject words two sentences need in common
	// before they can contradict each other.
	MinOverlap float64
	// NumericTolerance is the relative difference numeric claims may have
	// and still agree.
	NumericTolerance float64
	// CriticalNumericDelta overrides Rules.CriticalNumericDelta when set.
	CriticalNumericDelta float64
	Rules                *SeverityRules
	// Extractors replaces the default negation, numeric and recommendation
	// extractors. Earlier extractors win when two claim the same sentences.
	Extractors  []Extractor
	MaxParallel int
}

// Detector finds contradictions within one round. It holds no per-session
// state and is safe for concurrent use.
type Detector struct {
	extractors  []Extractor
	rules       SeverityRules
	maxParallel int
}

// NewDetector builds a Detector with defaults for zero options.
func NewDetector(opts Options) *Detector {
	if opts.MinOverlap <= 0 {
		opts.MinOverlap = 0.3
	}
	if opts.NumericTolerance <= 0 {
		opts.NumericTolerance = 0.05
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 4
	}
	rules := DefaultSeverityRules()
	if opts.Rules != nil {
		rules = *opts.Rules
	}
	if opts.CriticalNumericDelta > 0 {
		rules.CriticalNumericDelta = opts.CriticalNumericDelta
	}
	extractors := opts.Extractors
	if len(extractors) == 0 {
		extractors = []Extractor{
			NumericExtractor{MinOverlap: opts.MinOverlap, Tolerance: opts.NumericTolerance},
			NegationExtractor{MinOverlap: opts.MinOverlap},
			RecommendationExtractor{MinOverlap: opts.MinOverlap},
		}
	}
	return &Detector{extractors: extractors, rules: rules, maxParallel: opts.MaxParallel}
}

// Detect runs every extractor over every pair of participants and folds the
// candidates into one Conflict per key. The result is sorted by key and has
// no IDs or round bookkeeping; the Registry assigns those.
func (d *Detector) Detect(ctx context.Context, ds []drafts.Draft) ([]Conflict, error) {
	sides := collectSides(ds)
	participants := make([]string, 0, len(sides))
	for p := range sides {
		participants = append(participants, p)
	}
	sort.Strings(participants)
	if len(participants) < 2 {
		return nil, ctx.Err()
	}

	p := pool.NewWithResults[[]Candidate]().WithContext(ctx).WithMaxGoroutines(d.maxParallel)
	for i := 0; i < len(participants); i++ {
		for j := i + 1; j < len(participants); j++ {
			as, bs := sides[participants[i]], sides[participants[j]]
			p.Go(func(ctx context.Context) ([]Candidate, error) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return d.detectPair(as, bs), nil
			})
		}
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	var all []Candidate
	for _, r := range results {
		all = append(all, r...)
	}
	return d.fold(all), nil
}

// detectPair runs the extractors over all drafts of two participants. A
// sentence pair already claimed by an earlier extractor is skipped.
func (d *Detector) detectPair(as, bs []Side) []Candidate {
	type spanPair struct {
		a, b   string
		aS, aE int
		bS, bE int
	}
	claimed := make(map[spanPair]bool)
	var out []Candidate
	for _, a := range as {
		for _, b := range bs {
			for _, ex := range d.extractors {
				for _, c := range ex.Extract(a, b) {
					k := spanPair{
						a: c.Statements[0].DraftID, b: c.Statements[1].DraftID,
						aS: c.Statements[0].Start, aE: c.Statements[0].End,
						bS: c.Statements[1].Start, bE: c.Statements[1].End,
					}
					if claimed[k] {
						continue
					}
					claimed[k] = true
					c.Severity = d.rules.Classify(c)
					out = append(out, c)
				}
			}
		}
	}
	return out
}

func (d *Detector) fold(cands []Candidate) []Conflict {
	sort.SliceStable(cands, func(i, j int) bool {
		ci, cj := cands[i], cands[j]
		ki := MakeKey([]string{ci.Statements[0].Participant, ci.Statements[1].Participant}, ci.Type)
		kj := MakeKey([]string{cj.Statements[0].Participant, cj.Statements[1].Participant}, cj.Type)
		if ki != kj {
			return ki < kj
		}
		for n := range ci.Statements {
			si, sj := ci.Statements[n], cj.Statements[n]
			if si.DraftID != sj.DraftID {
				return si.DraftID < sj.DraftID
			}
			if si.Start != sj.Start {
				return si.Start < sj.Start
			}
		}
		return ci.Extractor < cj.Extractor
	})

	byKey := make(map[Key]*Conflict)
	var order []Key
	for _, c := range cands {
		participants := []string{c.Statements[0].Participant, c.Statements[1].Participant}
		key := MakeKey(participants, c.Type)
		cf, ok := byKey[key]
		if !ok {
			sort.Strings(participants)
			cf = &Conflict{
				Key:          key,
				Type:         c.Type,
				Severity:     c.Severity,
				Status:       StatusPending,
				Participants: participants,
				Summary:      c.Summary,
			}
			byKey[key] = cf
			order = append(order, key)
		}
		if c.Severity.Rank() > cf.Severity.Rank() {
			cf.Severity = c.Severity
		}
		for _, s := range c.Statements {
			cf.Statements = appendStatement(cf.Statements, s)
		}
	}

	out := make([]Conflict, 0, len(order))
	for _, k := range order {
		cf := byKey[k]
		sort.Slice(cf.Statements, func(i, j int) bool {
			a, b := cf.Statements[i], cf.Statements[j]
			if a.Participant != b.Participant {
				return a.Participant < b.Participant
			}
			if a.DraftID != b.DraftID {
				return a.DraftID < b.DraftID
			}
			return a.Start < b.Start
		})
		out = append(out, *cf)
	}
	return out
}

func appendStatement(list []Statement, s Statement) []Statement {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// collectSides groups drafts by participant. Critiques stand in for a
// participant only when it submitted no draft.
func collectSides(ds []drafts.Draft) map[string][]Side {
	sides := make(map[string][]Side)
	critiques := make(map[string][]Side)
	for _, d := range ds {
		if d.Participant == "" {
			continue
		}
		s := Side{Participant: d.Participant, DraftID: d.ID, Text: d.Text}
		if s.DraftID == "" {
			s.DraftID = d.Participant
		}
		if d.Kind == drafts.KindCritique {
			critiques[d.Participant] = append(critiques[d.Participant], s)
			continue
		}
		sides[d.Participant] = append(sides[d.Participant], s)
	}
	for p, cs := range critiques {
		if _, ok := sides[p]; !ok {
			sides[p] = cs
		}
	}
	return sides
}
