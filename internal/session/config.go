package session

import (
	"math"
	"strings"
	"time"

	"github.com/Iron-Ham/forge/internal/config"
	"github.com/Iron-Ham/forge/internal/convergence"
	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
)

// Config is the per-session configuration. It is fixed once the session starts.
type Config struct {
	MaxRounds            int     `json:"max_rounds" yaml:"max_rounds"`
	ConvergenceThreshold float64 `json:"convergence_threshold" yaml:"convergence_threshold"`
	// Timeout is the session deadline measured from Start. Zero disables it.
	Timeout                time.Duration       `json:"timeout" yaml:"timeout"`
	AllowHumanIntervention bool                `json:"allow_human_intervention" yaml:"allow_human_intervention"`
	Topics                 []convergence.Topic `json:"topics,omitempty" yaml:"topics,omitempty"`
}

// ConfigFrom converts the loaded session defaults into a Config.
func ConfigFrom(c config.SessionConfig) Config {
	cfg := Config{
		MaxRounds:              c.MaxRounds,
		ConvergenceThreshold:   c.ConvergenceThreshold,
		Timeout:                c.Timeout(),
		AllowHumanIntervention: c.AllowHumanIntervention,
	}
	for _, t := range c.Topics {
		cfg.Topics = append(cfg.Topics, convergence.Topic{Name: t.Name, Keywords: append([]string(nil), t.Keywords...)})
	}
	return cfg
}

// IsZero reports whether no field of c is set.
func (c Config) IsZero() bool {
	return c.MaxRounds == 0 && c.ConvergenceThreshold == 0 && c.Timeout == 0 &&
		!c.AllowHumanIntervention && len(c.Topics) == 0
}

// Validate returns a *errors.ValidationError for the first invalid field.
func (c Config) Validate() error {
	if c.MaxRounds <= 0 {
		return forgeerrors.NewValidationError("must be positive").
			WithField("max_rounds").WithValue(c.MaxRounds)
	}
	if math.IsNaN(c.ConvergenceThreshold) || c.ConvergenceThreshold < 0 || c.ConvergenceThreshold > 1 {
		return forgeerrors.NewValidationError("must be between 0 and 1").
			WithField("convergence_threshold").WithValue(c.ConvergenceThreshold)
	}
	if c.Timeout < 0 {
		return forgeerrors.NewValidationError("must not be negative").
			WithField("timeout").WithValue(c.Timeout)
	}
	seen := make(map[string]bool, len(c.Topics))
	for _, t := range c.Topics {
		name := strings.TrimSpace(t.Name)
		switch {
		case name == "":
			return forgeerrors.NewValidationError("topic name must not be empty").WithField("topics")
		case seen[name]:
			return forgeerrors.NewValidationError("duplicate topic").WithField("topics").WithValue(name)
		case len(t.Keywords) == 0:
			return forgeerrors.NewValidationError("topic needs at least one keyword").WithField("topics").WithValue(name)
		}
		seen[name] = true
	}
	return nil
}

func (c Config) clone() Config {
	if c.Topics != nil {
		topics := make([]convergence.Topic, len(c.Topics))
		for i, t := range c.Topics {
			topics[i] = convergence.Topic{Name: t.Name, Keywords: append([]string(nil), t.Keywords...)}
		}
		c.Topics = topics
	}
	return c
}
