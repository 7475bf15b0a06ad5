package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/salesline/agent/contract"
)

// Role selects which part of the agent a completion client serves. The
// generator model carries the conversation; the analyzer and extractor run
// cheap classification sub-calls and may use a smaller model.
type Role string

const (
	RoleGenerator Role = "generator"
	RoleAnalyzer  Role = "analyzer"
	RoleExtractor Role = "extractor"
)

type Config struct {
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float64       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	MaxRetries         int           `envconfig:"MAX_RETRIES" split_words:"true" default:"3"`
	RetryBackoff       time.Duration `envconfig:"RETRY_BACKOFF" split_words:"true" default:"500ms"`

	AnalyzerModel        string  `envconfig:"ANALYZER_MODEL" split_words:"true"`
	AnalyzerTemperature  float64 `envconfig:"ANALYZER_TEMPERATURE" split_words:"true" default:"-1"`
	ExtractorModel       string  `envconfig:"EXTRACTOR_MODEL" split_words:"true"`
	ExtractorTemperature float64 `envconfig:"EXTRACTOR_TEMPERATURE" split_words:"true" default:"-1"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0", contractx.ErrValidation)
	}
	return nil
}

// settingsFor resolves the model and temperature for a role, falling back to
// the defaults when no override is configured.
func (c Config) settingsFor(role Role) (string, float64) {
	model := strings.TrimSpace(c.Model)
	temp := c.Temperature

	switch role {
	case RoleAnalyzer:
		if v := strings.TrimSpace(c.AnalyzerModel); v != "" {
			model = v
		}
		if c.AnalyzerTemperature >= 0 {
			temp = c.AnalyzerTemperature
		}
	case RoleExtractor:
		if v := strings.TrimSpace(c.ExtractorModel); v != "" {
			model = v
		}
		if c.ExtractorTemperature >= 0 {
			temp = c.ExtractorTemperature
		}
	}

	return model, temp
}
