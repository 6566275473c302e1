// Package convergence scores how close the participants of a round are to
// consensus and projects how many more rounds consensus will take.
package convergence

import (
	"context"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/forge/internal/drafts"
	"github.com/Iron-Ham/forge/internal/util"
)

// OverallTopic names the implicit topic used when no taxonomy is configured.
const OverallTopic = "overall"

// Topic is one named discussion subject. A sentence is on-topic when it
// contains any of the keywords.
type Topic struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
}

// TopicScore is the agreement among participants who addressed a topic.
type TopicScore struct {
	Topic        string  `json:"topic"`
	Score        float64 `json:"score"`
	Participants int     `json:"participants"`
}

// Dissent records a participant whose position stands apart from the rest.
type Dissent struct {
	Participant string  `json:"participant"`
	Agreement   float64 `json:"agreement"`
}

// Result is the convergence analysis of one round.
type Result struct {
	Overall float64      `json:"overall"`
	Topics  []TopicScore `json:"topics,omitempty"`
	// Agreement maps each participant to its mean similarity with the others.
	Agreement map[string]float64 `json:"agreement,omitempty"`
	Dissents  []Dissent          `json:"dissents,omitempty"`
}

// Options configures an Engine.
type Options struct {
	Similarity Similarity
	Topics     []Topic
	// DissentThreshold flags participants whose mean agreement is below it.
	// Dissent needs at least three participants. Zero disables it.
	DissentThreshold float64
	// MaxParallel bounds concurrent pairwise scoring. Defaults to 4.
	MaxParallel int
}

// Engine scores rounds. It holds no per-session state and is safe for
// concurrent use.
type Engine struct {
	sim              Similarity
	topics           []Topic
	dissentThreshold float64
	maxParallel      int
}

// NewEngine builds an Engine, defaulting to Jaccard similarity.
func NewEngine(opts Options) *Engine {
	if opts.Similarity == nil {
		opts.Similarity = Jaccard{}
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 4
	}
	return &Engine{
		sim:              opts.Similarity,
		topics:           append([]Topic(nil), opts.Topics...),
		dissentThreshold: opts.DissentThreshold,
		maxParallel:      opts.MaxParallel,
	}
}

// position is one participant's combined stance for a round.
type position struct {
	participant string
	text        string
}

// Evaluate scores a round's drafts against the engine's topics. Critiques are
// used only for participants who submitted no draft. With no drafts the score
// is 0; with a single participant it is 1.
func (e *Engine) Evaluate(ctx context.Context, ds []drafts.Draft) (Result, error) {
	return e.EvaluateTopics(ctx, ds, e.topics)
}

// EvaluateTopics is Evaluate with a per-call taxonomy, for sessions that
// configure their own topics. An empty taxonomy scores the drafts directly.
func (e *Engine) EvaluateTopics(ctx context.Context, ds []drafts.Draft, topics []Topic) (Result, error) {
	positions := collectPositions(ds)
	switch len(positions) {
	case 0:
		return Result{}, nil
	case 1:
		return Result{
			Overall:   1,
			Agreement: map[string]float64{positions[0].participant: 1},
		}, nil
	}

	texts := make([]string, len(positions))
	for i, p := range positions {
		texts[i] = p.text
	}
	direct, err := e.pairwise(ctx, texts)
	if err != nil {
		return Result{}, err
	}

	res := Result{Agreement: make(map[string]float64, len(positions))}
	for i, p := range positions {
		res.Agreement[p.participant] = rowMean(direct, i)
	}

	var topicSum float64
	for _, topic := range topics {
		var onTopic []string
		for _, p := range positions {
			if t := topicText(p.text, topic.Keywords); t != "" {
				onTopic = append(onTopic, t)
			}
		}
		ts := TopicScore{Topic: topic.Name, Participants: len(onTopic)}
		if len(onTopic) >= 2 {
			m, err := e.pairwise(ctx, onTopic)
			if err != nil {
				return Result{}, err
			}
			ts.Score = matrixMean(m)
			topicSum += ts.Score
		}
		res.Topics = append(res.Topics, ts)
	}

	addressed := 0
	for _, ts := range res.Topics {
		if ts.Participants >= 2 {
			addressed++
		}
	}
	if addressed > 0 {
		res.Overall = clamp01(topicSum / float64(addressed))
	} else {
		res.Overall = clamp01(matrixMean(direct))
		res.Topics = append(res.Topics, TopicScore{Topic: OverallTopic, Score: res.Overall, Participants: len(positions)})
	}

	if e.dissentThreshold > 0 && len(positions) >= 3 {
		for _, p := range positions {
			if a := res.Agreement[p.participant]; a < e.dissentThreshold {
				res.Dissents = append(res.Dissents, Dissent{Participant: p.participant, Agreement: a})
			}
		}
	}
	return res, nil
}

// pairwise fills a symmetric similarity matrix, scoring each unordered pair
// once on a bounded pool.
func (e *Engine) pairwise(ctx context.Context, texts []string) ([][]float64, error) {
	n := len(texts)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(e.maxParallel)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			i, j := i, j
			p.Go(func(ctx context.Context) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				s := clamp01(e.sim.Score(texts[i], texts[j]))
				// Each goroutine owns distinct cells.
				m[i][j], m[j][i] = s, s
				return nil
			})
		}
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

func rowMean(m [][]float64, i int) float64 {
	if len(m) < 2 {
		return 1
	}
	var sum float64
	for j := range m[i] {
		if j != i {
			sum += m[i][j]
		}
	}
	return sum / float64(len(m)-1)
}

// matrixMean is the mean of the upper triangle.
func matrixMean(m [][]float64) float64 {
	n := len(m)
	if n < 2 {
		return 1
	}
	var sum float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += m[i][j]
		}
	}
	return sum / float64(n*(n-1)/2)
}

func collectPositions(ds []drafts.Draft) []position {
	byParticipant := make(map[string][]string)
	critiques := make(map[string][]string)
	for _, d := range ds {
		if d.Participant == "" {
			continue
		}
		if d.Kind == drafts.KindCritique {
			critiques[d.Participant] = append(critiques[d.Participant], d.Text)
			continue
		}
		byParticipant[d.Participant] = append(byParticipant[d.Participant], d.Text)
	}
	for p, texts := range critiques {
		if _, ok := byParticipant[p]; !ok {
			byParticipant[p] = texts
		}
	}

	out := make([]position, 0, len(byParticipant))
	for p, texts := range byParticipant {
		out = append(out, position{participant: p, text: strings.Join(texts, "\n")})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].participant < out[j].participant })
	return out
}

// topicText keeps the sentences of text that mention any keyword.
func topicText(text string, keywords []string) string {
	var parts []string
	for _, s := range util.Sentences(text) {
		if util.ContainsAnyWord(s.Text, keywords) {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}
