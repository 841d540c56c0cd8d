// Package notify posts terminal session outcomes to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Color constants for outcome severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Outcome is what a pipeline run reports when it stops.
type Outcome struct {
	SessionID    string
	Status       string
	Score        *int
	VideoURL     string
	Error        string
	ReviewError  string
	Repairs      int
	Improvements int
}

// Field is a short labelled value shown alongside an event.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Event is a platform-neutral formatted notification.
type Event struct {
	Title  string
	Body   string
	Color  string
	URL    string
	Fields []Field
}

// Notifier delivers events to one destination.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Format renders an outcome for chat.
func Format(o Outcome) Event {
	ev := Event{URL: o.VideoURL}
	switch {
	case o.Status == "done" && o.ReviewError != "":
		ev.Title = fmt.Sprintf("Video ready (unreviewed): %s", o.SessionID)
		ev.Body = "Review failed: " + o.ReviewError
		ev.Color = ColorWarning
	case o.Status == "done":
		ev.Title = fmt.Sprintf("Video ready: %s", o.SessionID)
		ev.Color = ColorSuccess
	case strings.HasSuffix(o.Status, "_failed"):
		ev.Title = fmt.Sprintf("Session %s: %s", strings.ReplaceAll(o.Status, "_", " "), o.SessionID)
		ev.Body = o.Error
		ev.Color = ColorError
	default:
		ev.Title = fmt.Sprintf("Session %s: %s", o.Status, o.SessionID)
		ev.Body = o.Error
		ev.Color = ColorInfo
	}

	if o.Score != nil {
		ev.Fields = append(ev.Fields, Field{Name: "Score", Value: strconv.Itoa(*o.Score) + "/100", Short: true})
	}
	if o.Repairs > 0 {
		ev.Fields = append(ev.Fields, Field{Name: "Repairs", Value: strconv.Itoa(o.Repairs), Short: true})
	}
	if o.Improvements > 0 {
		ev.Fields = append(ev.Fields, Field{Name: "Improvements", Value: strconv.Itoa(o.Improvements), Short: true})
	}
	if len(ev.Body) > 1500 {
		ev.Body = ev.Body[:1500] + "..."
	}
	return ev
}

// Multi fans an event out to several notifiers, returning every failure.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Event) error { return nil }
