package tool

import (
	"context"
	"fmt"
)

// SchedulingLinker produces a single-use booking link for a meeting slot.
type SchedulingLinker interface {
	CreateSchedulingLink(ctx context.Context) (string, error)
}

// NewCalendarLinkTool offers the customer a booking link. Scheduling
// provider failures surface as observations so the turn keeps going.
func NewCalendarLinkTool(linker SchedulingLinker) Descriptor {
	return Descriptor{
		Name:        "GenerateCalendarLink",
		Description: "useful for when the customer wants to book a meeting, a call or a demo, generates a booking link they can use to pick a time",
		Params:      queryParams("the meeting request from the customer"),
		Func: func(ctx context.Context, args map[string]any) (string, error) {
			if _, err := queryArg(args); err != nil {
				return "", err
			}
			link, err := linker.CreateSchedulingLink(ctx)
			if err != nil {
				return fmt.Sprintf("Failed to create a booking link: %v", err), nil
			}
			return fmt.Sprintf("Booking link for the customer: %s", link), nil
		},
	}
}
