package llm

import (
	"context"
	"errors"
	"testing"

	contractx "github.com/tanpawarit/salesline/agent/contract"
)

func baseConfig() Config {
	return Config{
		Model:                "openai/gpt-4o-mini",
		MaxCompletionToken:   2000,
		Temperature:          0.5,
		MaxRetries:           3,
		AnalyzerTemperature:  -1,
		ExtractorTemperature: -1,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := baseConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	bad := baseConfig()
	bad.Model = "  "
	if err := bad.Validate(); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	bad = baseConfig()
	bad.MaxRetries = -1
	if err := bad.Validate(); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation for negative retries, got %v", err)
	}
}

func TestSettingsForRoleOverrides(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.AnalyzerModel = "openai/gpt-4o"
	cfg.AnalyzerTemperature = 0.0
	cfg.ExtractorTemperature = 0.1

	model, temp := cfg.settingsFor(RoleGenerator)
	if model != "openai/gpt-4o-mini" || temp != 0.5 {
		t.Fatalf("generator settings = (%s, %v)", model, temp)
	}

	model, temp = cfg.settingsFor(RoleAnalyzer)
	if model != "openai/gpt-4o" || temp != 0.0 {
		t.Fatalf("analyzer settings = (%s, %v)", model, temp)
	}

	model, temp = cfg.settingsFor(RoleExtractor)
	if model != "openai/gpt-4o-mini" || temp != 0.1 {
		t.Fatalf("extractor settings = (%s, %v)", model, temp)
	}
}

func TestClassifyErr(t *testing.T) {
	t.Parallel()

	if classifyErr(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if err := classifyErr(context.DeadlineExceeded); !errors.Is(err, contractx.ErrBackendTimeout) {
		t.Fatalf("deadline must map to timeout, got %v", err)
	}
	if err := classifyErr(errors.New("boom")); !errors.Is(err, contractx.ErrModelInvoke) {
		t.Fatalf("unknown errors must map to model invoke, got %v", err)
	}
}

func TestNewClientRequiresBackend(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(nil, baseConfig(), RoleGenerator); err == nil {
		t.Fatalf("expected error for nil backend")
	}
}
