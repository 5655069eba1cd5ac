package calendar

import (
	"context"
	"errors"
)

var ErrInvalidInput = errors.New("invalid calendar input")

// AvailabilityQuery selects a window: a single Date, a StartDate/EndDate range,
// or a TimeMin/TimeMax instant range.
type AvailabilityQuery struct {
	Date      string `json:"date,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	TimeMin   string `json:"timeMin,omitempty"`
	TimeMax   string `json:"timeMax,omitempty"`
}

func (q AvailabilityQuery) IsZero() bool {
	return q.Date == "" && q.StartDate == "" && q.EndDate == "" && q.TimeMin == "" && q.TimeMax == ""
}

type Slot struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Status string `json:"status"`
}

type EventInput struct {
	Title       string   `json:"title"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	Attendees   []string `json:"attendees,omitempty"`
}

type Event struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Start    string `json:"start"`
	End      string `json:"end"`
	HTMLLink string `json:"html_link,omitempty"`
}

// Service is the calendar collaborator used by assistant tools.
type Service interface {
	CheckAvailability(ctx context.Context, businessID string, query AvailabilityQuery) ([]Slot, error)
	CreateEvent(ctx context.Context, businessID string, input EventInput) (Event, error)
}
