// Package calendar builds iCalendar files from extracted events.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/blueflame567/SyllabTrack/app/models"
)

const (
	defaultDuration = time.Hour
	reminderTrigger = "-PT24H"
	floatingLayout  = "20060102T150405"
	productID       = "-//SyllabTrack//Syllabus Calendar//EN"
)

var (
	ErrNoEvents    = errors.New("no events to export")
	ErrInvalidDate = errors.New("invalid event date")
)

// Item is one calendar entry ready for serialization.
type Item struct {
	UID         string
	Title       string
	Start       time.Time
	End         time.Time
	Description string
	Location    string
}

// Build turns stored events into calendar items. A missing end becomes a
// one hour slot.
func Build(events []models.Event) []Item {
	items := make([]Item, 0, len(events))
	for _, e := range events {
		it := Item{
			UID:   e.ID,
			Title: e.Title,
			Start: e.Start,
			End:   e.Start.Add(defaultDuration),
		}
		if e.End != nil && !e.End.Before(e.Start) {
			it.End = *e.End
		}
		if e.Description != nil {
			it.Description = *e.Description
		}
		if e.Location != nil {
			it.Location = *e.Location
		}
		items = append(items, it)
	}
	return items
}

// Serialize renders items as an iCalendar document. Times are written as
// floating local times in loc so the file reads the same in any zone.
func Serialize(items []Item, loc *time.Location, stamp time.Time) ([]byte, error) {
	if len(items) == 0 {
		return nil, ErrNoEvents
	}
	if loc == nil {
		loc = time.UTC
	}

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(productID)

	for i, it := range items {
		if it.Start.IsZero() {
			return nil, fmt.Errorf("event %d %q: missing start: %w", i, it.Title, ErrInvalidDate)
		}
		if it.End.Before(it.Start) {
			return nil, fmt.Errorf("event %d %q: end before start: %w", i, it.Title, ErrInvalidDate)
		}

		uid := it.UID
		if uid == "" {
			uid = fmt.Sprintf("%d-%d@syllabtrack", it.Start.Unix(), i)
		}
		ev := cal.AddEvent(uid)
		ev.SetDtStampTime(stamp)
		ev.SetProperty(ics.ComponentPropertyDtStart, it.Start.In(loc).Format(floatingLayout))
		ev.SetProperty(ics.ComponentPropertyDtEnd, it.End.In(loc).Format(floatingLayout))
		ev.SetSummary(it.Title)
		if strings.TrimSpace(it.Description) != "" {
			ev.SetDescription(it.Description)
		}
		if strings.TrimSpace(it.Location) != "" {
			ev.SetLocation(it.Location)
		}

		alarm := ev.AddAlarm()
		alarm.SetAction(ics.ActionDisplay)
		alarm.SetTrigger(reminderTrigger)
		alarm.SetProperty(ics.ComponentPropertyDescription, "Reminder: "+it.Title)
	}

	return []byte(cal.Serialize()), nil
}
