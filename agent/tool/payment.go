package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	contractx "github.com/tanpawarit/salesline/agent/contract"
	promptx "github.com/tanpawarit/salesline/agent/prompt"
)

// PaymentGateway turns a priced product into a shareable checkout link.
type PaymentGateway interface {
	CreatePaymentLink(ctx context.Context, priceID string, quantity int) (string, error)
}

// PriceItem binds a product name to the gateway identifier of its price.
type PriceItem struct {
	ProductName string `json:"product_name"`
	PriceID     string `json:"price_id"`
}

// LoadPriceTable reads a JSON object mapping product names to price ids and
// returns the entries sorted by product name so prompts are deterministic.
func LoadPriceTable(path string) ([]PriceItem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table: %w", err)
	}
	mapping := map[string]string{}
	if err := json.Unmarshal(raw, &mapping); err != nil {
		return nil, fmt.Errorf("%w: price table %s: %v", contractx.ErrValidation, path, err)
	}
	items := make([]PriceItem, 0, len(mapping))
	for name, id := range mapping {
		items = append(items, PriceItem{ProductName: name, PriceID: id})
	}
	sort.Slice(items, func(a, b int) bool { return items[a].ProductName < items[b].ProductName })
	return items, nil
}

// NewPaymentLinkTool classifies the request against the price table and asks
// the gateway for a checkout link. A request that matches no priced product
// resolves to an explanatory observation, not an error.
func NewPaymentLinkTool(gateway PaymentGateway, completer contractx.Completer, prices []PriceItem) Descriptor {
	return Descriptor{
		Name:        "GeneratePaymentLink",
		Description: "useful to close a transaction, generates a payment link for the product the customer wants to buy",
		Params:      queryParams("the product the customer wants to purchase, with quantity if mentioned"),
		Func: func(ctx context.Context, args map[string]any) (string, error) {
			query, err := queryArg(args)
			if err != nil {
				return "", err
			}
			priceID, err := classifyPrice(ctx, completer, prices, query)
			if err != nil {
				return "", err
			}
			if priceID == "" {
				return "Unable to find a matching product in the price list for this request, so no payment link can be generated.", nil
			}
			link, err := gateway.CreatePaymentLink(ctx, priceID, 1)
			if err != nil {
				return "", fmt.Errorf("create payment link: %w", err)
			}
			return fmt.Sprintf("Payment link for the customer: %s", link), nil
		},
	}
}

// classifyPrice maps the request onto one price id via the classifier
// prompt. An answer outside the table is treated as no match.
func classifyPrice(ctx context.Context, completer contractx.Completer, prices []PriceItem, query string) (string, error) {
	lines := make([]string, 0, len(prices))
	known := make(map[string]struct{}, len(prices))
	for _, p := range prices {
		entry, err := json.Marshal(p)
		if err != nil {
			return "", err
		}
		lines = append(lines, string(entry))
		known[p.PriceID] = struct{}{}
	}
	system, err := promptx.RenderPriceClassify(promptx.PriceClassifyData{
		PriceTable: strings.Join(lines, "\n"),
		Query:      query,
	})
	if err != nil {
		return "", err
	}
	msg, err := completer.Complete(ctx, contractx.CompletionRequest{System: system})
	if err != nil {
		return "", err
	}
	answer := strings.Trim(strings.TrimSpace(msg.Content), "\"'`")
	if answer == "" || answer == "NO_MATCH" {
		return "", nil
	}
	if _, ok := known[answer]; !ok {
		return "", nil
	}
	return answer, nil
}
