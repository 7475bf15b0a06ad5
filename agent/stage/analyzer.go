package stage

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/salesline/agent/contract"
	promptx "github.com/tanpawarit/salesline/agent/prompt"
)

// Analyzer decides the next conversation stage by asking the completion
// backend for a bare stage key and cleansing the reply against the catalog.
// It is stateless per call and advisory: every failure path holds the
// current stage instead of surfacing an error.
type Analyzer struct {
	completer contractx.Completer
}

var _ contractx.StageAnalyzer = (*Analyzer)(nil)

func NewAnalyzer(completer contractx.Completer) *Analyzer {
	return &Analyzer{completer: completer}
}

var stageKeyPattern = regexp.MustCompile(`\d+`)

func (a *Analyzer) NextStage(
	ctx context.Context,
	window []contractx.Utterance,
	currentStageID string,
	catalog contractx.StageCatalog,
) string {
	if len(window) == 0 {
		return catalog.FirstStageID()
	}
	if !contains(catalog, currentStageID) {
		currentStageID = catalog.FirstStageID()
	}

	lines := make([]string, 0, len(window))
	for _, u := range window {
		lines = append(lines, u.Line())
	}

	rendered, err := promptx.RenderStageAnalyzer(promptx.StageAnalyzerData{
		ConversationHistory: strings.Join(lines, "\n"),
		ConversationStages:  NumberedList(catalog),
		CurrentStageID:      currentStageID,
		FirstStageID:        catalog.FirstStageID(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("stage analyzer: render prompt failed, holding stage")
		return currentStageID
	}

	reply, err := a.completer.Complete(ctx, contractx.CompletionRequest{
		System: rendered,
	})
	if err != nil {
		log.Warn().Err(err).Str("stage", currentStageID).Msg("stage analyzer: backend failed, holding stage")
		return currentStageID
	}

	next := CleanseStageID(reply.Content, catalog)
	if next == "" {
		log.Warn().Str("raw", reply.Content).Str("stage", currentStageID).Msg("stage analyzer: unparseable decision, holding stage")
		return currentStageID
	}
	return next
}

// CleanseStageID extracts a catalog stage id from free-form analyzer output.
// Returns "" when no valid id can be recovered.
func CleanseStageID(raw string, catalog contractx.StageCatalog) string {
	trimmed := strings.TrimSpace(raw)
	if contains(catalog, trimmed) {
		return trimmed
	}
	if key := stageKeyPattern.FindString(trimmed); key != "" && contains(catalog, key) {
		return key
	}
	return ""
}

// NumberedList renders a catalog as "id: description" lines for prompts.
func NumberedList(catalog contractx.StageCatalog) string {
	all := catalog.All()
	lines := make([]string, 0, len(all))
	for _, s := range all {
		lines = append(lines, s.ID+": "+s.Description)
	}
	return strings.Join(lines, "\n")
}

func contains(catalog contractx.StageCatalog, id string) bool {
	if id == "" {
		return false
	}
	_, err := catalog.Describe(id)
	return err == nil
}
