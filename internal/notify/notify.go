// Package notify is the alert surface the auth core reports to. Delivery is
// fire-and-forget: nothing in the core waits on or reads a notification.
package notify

import (
	"fmt"
	"io"
	"sync"

	"cyconnect/pkg/logger"
)

// Kind selects the alert style
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

// Notification is one user-facing alert
type Notification struct {
	Kind    Kind
	Title   string
	Message string
}

// Notifier presents notifications to the user
type Notifier interface {
	Notify(n Notification)
}

// Success builds a success notification
func Success(title, message string) Notification {
	return Notification{Kind: KindSuccess, Title: title, Message: message}
}

// Error builds an error notification
func Error(title, message string) Notification {
	return Notification{Kind: KindError, Title: title, Message: message}
}

// Log writes notifications to the structured log. Used when no terminal is attached.
type Log struct {
	log *logger.Logger
}

// NewLog creates a log-backed notifier
func NewLog(log *logger.Logger) *Log {
	return &Log{log: log.Named("notify")}
}

func (l *Log) Notify(n Notification) {
	entry := l.log.WithFields(map[string]interface{}{
		"kind":  string(n.Kind),
		"title": n.Title,
	})
	if n.Kind == KindError {
		entry.Warn(n.Message)
		return
	}
	entry.Info(n.Message)
}

// Terminal prints notifications for the CLI
type Terminal struct {
	mu  sync.Mutex
	out io.Writer
}

// NewTerminal creates a notifier writing to out
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

func (t *Terminal) Notify(n Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()

	marker := "✓"
	if n.Kind == KindError {
		marker = "✗"
	}
	fmt.Fprintf(t.out, "%s %s: %s\n", marker, n.Title, n.Message)
}

// Multi fans a notification out to several notifiers
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, notifier := range m {
		notifier.Notify(n)
	}
}

// Recorder keeps every notification in memory. Tests use it to assert on alerts.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// All returns a copy of everything recorded so far
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Last returns the most recent notification
func (r *Recorder) Last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return Notification{}, false
	}
	return r.items[len(r.items)-1], true
}
