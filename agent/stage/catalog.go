package stage

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/salesline/agent/contract"
)

// Catalog is an ordered, read-only set of conversation stages. The first
// entry is the seed stage and the last entry is the terminal stage.
type Catalog struct {
	id     string
	stages []contractx.StageInfo
	index  map[string]string
}

var _ contractx.StageCatalog = (*Catalog)(nil)

// NewCatalog builds a catalog from ordered stages. Stage ids must be unique
// and non-empty; at least two stages are required (a first and a terminal).
func NewCatalog(id string, stages []contractx.StageInfo) (*Catalog, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: catalog id is empty", contractx.ErrValidation)
	}
	if len(stages) < 2 {
		return nil, fmt.Errorf("%w: catalog %q needs at least a first and a terminal stage", contractx.ErrValidation, id)
	}

	index := make(map[string]string, len(stages))
	ordered := make([]contractx.StageInfo, 0, len(stages))
	for _, s := range stages {
		sid := strings.TrimSpace(s.ID)
		if sid == "" {
			return nil, fmt.Errorf("%w: catalog %q has a stage with empty id", contractx.ErrValidation, id)
		}
		if _, dup := index[sid]; dup {
			return nil, fmt.Errorf("%w: catalog %q has duplicate stage id %q", contractx.ErrValidation, id, sid)
		}
		index[sid] = s.Description
		ordered = append(ordered, contractx.StageInfo{ID: sid, Description: s.Description})
	}

	return &Catalog{id: id, stages: ordered, index: index}, nil
}

func (c *Catalog) ID() string {
	return c.id
}

// All returns the stages in catalog order.
func (c *Catalog) All() []contractx.StageInfo {
	out := make([]contractx.StageInfo, len(c.stages))
	copy(out, c.stages)
	return out
}

func (c *Catalog) Describe(id string) (string, error) {
	desc, ok := c.index[id]
	if !ok {
		return "", fmt.Errorf("%w: stage %q not in catalog %q", contractx.ErrUnknownStage, id, c.id)
	}
	return desc, nil
}

func (c *Catalog) FirstStageID() string {
	return c.stages[0].ID
}

func (c *Catalog) IsTerminal(id string) bool {
	return id == c.stages[len(c.stages)-1].ID
}

// Contains reports whether id names a stage in this catalog.
func (c *Catalog) Contains(id string) bool {
	_, ok := c.index[id]
	return ok
}

const (
	CatalogDefault   = "default"
	CatalogInsurance = "insurance"
)

var defaultCatalog = mustCatalog(CatalogDefault, []contractx.StageInfo{
	{ID: "1", Description: "Introduction: Start the conversation by introducing yourself and your company. Be polite and respectful while keeping the tone of the conversation professional. Your greeting should be welcoming. Always clarify in your greeting the reason why you are calling."},
	{ID: "2", Description: "Qualification: Qualify the prospect by confirming if they are the right person to talk to regarding your product/service. Ensure that they have the authority to make purchasing decisions."},
	{ID: "3", Description: "Value proposition: Briefly explain how your product/service can benefit the prospect. Focus on the unique selling points and value proposition of your product/service that sets it apart from competitors."},
	{ID: "4", Description: "Needs analysis: Ask open-ended questions to uncover the prospect's needs and pain points. Listen carefully to their responses and take notes."},
	{ID: "5", Description: "Solution presentation: Based on the prospect's needs, present your product/service as the solution that can address their pain points."},
	{ID: "6", Description: "Objection handling: Address any objections that the prospect may have regarding your product/service. Be prepared to provide evidence or testimonials to support your claims."},
	{ID: "7", Description: "Close: Ask for the sale by proposing a next step. This could be a demo, a trial or a meeting with decision-makers. Ensure to summarize what has been discussed and reiterate the benefits."},
	{ID: "8", Description: "End conversation: It's time to end the call as there is nothing else to be said."},
})

var insuranceCatalog = mustCatalog(CatalogInsurance, []contractx.StageInfo{
	{ID: "1", Description: "开场白: 首先，介绍自己和公司，语气要亲切而专业，明确告知打电话的目的。"},
	{ID: "2", Description: "挖掘需求: 客户信息收集，包括客户年龄、家庭信息、计划投入金额、购买保险产品的意愿和场景，请注意信息收集的过程不要过于直白。"},
	{ID: "3", Description: "产品介绍: 增额寿类保险产品介绍，突出增值、安全稳定、资金灵活、配置灵活和特色权益等特点，请注意不要过于夸大产品优势，保持客观。"},
	{ID: "4", Description: "配置方案: 根据客户提供的信息，分析和计算增额寿保险产品的现金价值。"},
	{ID: "5", Description: "销售促成: 讲解当前最新市场行情、福利政策以及如何进行大额支付。"},
	{ID: "6", Description: "结束通话: 没有其他需要沟通的内容，可以结束本次通话。"},
})

var catalogs = map[string]*Catalog{
	CatalogDefault:   defaultCatalog,
	CatalogInsurance: insuranceCatalog,
}

// CatalogByID resolves a playbook by id. Empty id selects the default
// playbook; unknown ids are an error, never a silent fallback.
func CatalogByID(id string) (*Catalog, error) {
	if strings.TrimSpace(id) == "" {
		return defaultCatalog, nil
	}
	cat, ok := catalogs[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown stage catalog %q", contractx.ErrValidation, id)
	}
	return cat, nil
}

func mustCatalog(id string, stages []contractx.StageInfo) *Catalog {
	cat, err := NewCatalog(id, stages)
	if err != nil {
		panic(err)
	}
	return cat
}
