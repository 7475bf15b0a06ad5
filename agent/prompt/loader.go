package prompt

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
)

var (
	//go:embed template/stage_analyzer.txt
	stageAnalyzerRaw string

	//go:embed template/utterance.txt
	utteranceRaw string

	//go:embed template/utterance_tools.txt
	utteranceToolsRaw string

	//go:embed template/mail_extract.txt
	mailExtractRaw string

	//go:embed template/price_classify.txt
	priceClassifyRaw string

	//go:embed template/knowledge_answer.txt
	knowledgeAnswerRaw string
)

var (
	stageAnalyzerTmpl   = mustParse("stage_analyzer", stageAnalyzerRaw)
	utteranceTmpl       = mustParse("utterance", utteranceRaw)
	utteranceToolsTmpl  = mustParse("utterance_tools", utteranceToolsRaw)
	mailExtractTmpl     = mustParse("mail_extract", mailExtractRaw)
	priceClassifyTmpl   = mustParse("price_classify", priceClassifyRaw)
	knowledgeAnswerTmpl = mustParse("knowledge_answer", knowledgeAnswerRaw)
)

type StageAnalyzerData struct {
	ConversationHistory string
	ConversationStages  string
	CurrentStageID      string
	FirstStageID        string
}

type UtteranceData struct {
	SalespersonName     string
	SalespersonRole     string
	CompanyName         string
	CompanyBusiness     string
	CompanyValues       string
	ConversationPurpose string
	ConversationType    string
	CustomerName        string
	ConversationStages  string
	StageDescription    string
	ConversationHistory string
}

type MailExtractData struct {
	SalespersonName string
	CompanyName     string
	Query           string
}

type PriceClassifyData struct {
	PriceTable string
	Query      string
}

type KnowledgeAnswerData struct {
	Excerpts string
	Query    string
}

func RenderStageAnalyzer(d StageAnalyzerData) (string, error) {
	if d.FirstStageID == "" {
		d.FirstStageID = "1"
	}
	return render(stageAnalyzerTmpl, d)
}

func RenderUtterance(d UtteranceData) (string, error) {
	return render(utteranceTmpl, d)
}

func RenderUtteranceWithTools(d UtteranceData) (string, error) {
	return render(utteranceToolsTmpl, d)
}

func RenderMailExtract(d MailExtractData) (string, error) {
	return render(mailExtractTmpl, d)
}

func RenderPriceClassify(d PriceClassifyData) (string, error) {
	return render(priceClassifyTmpl, d)
}

func RenderKnowledgeAnswer(d KnowledgeAnswerData) (string, error) {
	return render(knowledgeAnswerTmpl, d)
}

func render(tmpl *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(sb.String()), nil
}

func mustParse(name, raw string) *template.Template {
	return template.Must(template.New(name).Parse(strings.TrimSpace(raw)))
}
