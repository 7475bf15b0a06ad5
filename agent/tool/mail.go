package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/salesline/agent/contract"
	promptx "github.com/tanpawarit/salesline/agent/prompt"
)

// MailTransport delivers a composed message. Implementations decide the
// protocol; the tool only cares that delivery succeeded or not.
type MailTransport interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

type mailDraft struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// NewSendEmailTool extracts recipient, subject and body from the request via
// a structured extraction call and hands the draft to the transport. Both
// extraction and delivery failures come back as observations so the
// conversation can recover.
func NewSendEmailTool(transport MailTransport, completer contractx.Completer, salespersonName, companyName string) Descriptor {
	return Descriptor{
		Name:        "SendEmail",
		Description: "useful for when the customer asks to receive information or a follow-up by email, sends the email on their behalf",
		Params:      queryParams("the email request, including the recipient address and what the email should say"),
		Func: func(ctx context.Context, args map[string]any) (string, error) {
			query, err := queryArg(args)
			if err != nil {
				return "", err
			}
			draft, err := extractMail(ctx, completer, salespersonName, companyName, query)
			if err != nil {
				return "", err
			}
			if !validRecipient(draft.Recipient) {
				return "Could not determine a valid recipient email address from the request, so no email was sent. Please ask the customer for their email address.", nil
			}
			if err := transport.Send(ctx, draft.Recipient, draft.Subject, draft.Body); err != nil {
				return fmt.Sprintf("Failed to send the email to %s: %v", draft.Recipient, err), nil
			}
			return fmt.Sprintf("Email sent successfully to %s.", draft.Recipient), nil
		},
	}
}

func extractMail(ctx context.Context, completer contractx.Completer, salespersonName, companyName, query string) (mailDraft, error) {
	system, err := promptx.RenderMailExtract(promptx.MailExtractData{
		SalespersonName: salespersonName,
		CompanyName:     companyName,
		Query:           query,
	})
	if err != nil {
		return mailDraft{}, err
	}
	msg, err := completer.Complete(ctx, contractx.CompletionRequest{System: system})
	if err != nil {
		return mailDraft{}, err
	}
	var draft mailDraft
	payload := extractJSONObject(msg.Content)
	if payload == "" {
		return mailDraft{}, fmt.Errorf("%w: mail extraction returned no JSON object", contractx.ErrSchemaViolation)
	}
	if err := json.Unmarshal([]byte(payload), &draft); err != nil {
		return mailDraft{}, fmt.Errorf("%w: mail extraction: %v", contractx.ErrSchemaViolation, err)
	}
	return draft, nil
}

// extractJSONObject pulls the first top-level JSON object out of model text,
// tolerating fenced or chatty surroundings.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func validRecipient(addr string) bool {
	addr = strings.TrimSpace(addr)
	at := strings.Index(addr, "@")
	return at > 0 && at < len(addr)-1 && !strings.ContainsAny(addr, " \t\n")
}
