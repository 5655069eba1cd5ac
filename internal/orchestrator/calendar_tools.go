package orchestrator

import (
	"context"
	"fmt"

	"github.com/memohai/concierge/internal/assistant"
	"github.com/memohai/concierge/internal/calendar"
)

const (
	ToolCheckAvailability = "check_calendar_availability"
	ToolCreateEvent       = "create_calendar_event"
)

// RegisterCalendarTools binds the booking functions to svc. The tenant id is the business id.
func RegisterCalendarTools(r *ToolRegistry, svc calendar.Service) error {
	if svc == nil {
		return fmt.Errorf("calendar service is required")
	}
	if err := r.Register(assistant.FunctionSpec{
		Name:        ToolCheckAvailability,
		Description: "Check free and busy slots in the business calendar. Pass a single date, a date range, or an instant range. Defaults to today.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"date":       map[string]any{"type": "string", "description": "Day to check, YYYY-MM-DD"},
				"start_date": map[string]any{"type": "string", "description": "First day of a range, YYYY-MM-DD"},
				"end_date":   map[string]any{"type": "string", "description": "Last day of a range, YYYY-MM-DD"},
				"timeMin":    map[string]any{"type": "string", "description": "Range start, RFC3339"},
				"timeMax":    map[string]any{"type": "string", "description": "Range end, RFC3339"},
			},
		},
	}, checkAvailability(svc)); err != nil {
		return err
	}
	return r.Register(assistant.FunctionSpec{
		Name:        ToolCreateEvent,
		Description: "Book an appointment in the business calendar.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":       map[string]any{"type": "string"},
				"start":       map[string]any{"type": "string", "description": "Start time, RFC3339"},
				"end":         map[string]any{"type": "string", "description": "End time, RFC3339"},
				"description": map[string]any{"type": "string"},
				"location":    map[string]any{"type": "string"},
				"attendees":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"title", "start", "end"},
		},
	}, createEvent(svc))
}

func checkAvailability(svc calendar.Service) ToolHandler {
	return func(ctx context.Context, tc ToolContext, args map[string]any) (any, error) {
		slots, err := svc.CheckAvailability(ctx, tc.TenantID, calendar.AvailabilityQuery{
			Date:      StringArg(args, "date"),
			StartDate: FirstStringArg(args, "start_date", "startDate"),
			EndDate:   FirstStringArg(args, "end_date", "endDate"),
			TimeMin:   FirstStringArg(args, "timeMin", "time_min"),
			TimeMax:   FirstStringArg(args, "timeMax", "time_max"),
		})
		if err != nil {
			return nil, err
		}
		if slots == nil {
			slots = []calendar.Slot{}
		}
		return map[string]any{"slots": slots}, nil
	}
}

func createEvent(svc calendar.Service) ToolHandler {
	return func(ctx context.Context, tc ToolContext, args map[string]any) (any, error) {
		attendees, err := StringSliceArg(args, "attendees")
		if err != nil {
			return nil, err
		}
		event, err := svc.CreateEvent(ctx, tc.TenantID, calendar.EventInput{
			Title:       StringArg(args, "title"),
			Start:       StringArg(args, "start"),
			End:         StringArg(args, "end"),
			Description: StringArg(args, "description"),
			Location:    StringArg(args, "location"),
			Attendees:   attendees,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"event": event, "status": "created"}, nil
	}
}
