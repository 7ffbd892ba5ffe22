// Package notify defines the notification sender contract the engine depends
// on. Delivery (email, push, in-app) lives outside the engine.
package notify

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Notifier delivers a notification to a set of recipients.
type Notifier interface {
	Send(ctx context.Context, recipients []string, title, message string, metadata map[string]string) error
}

// LogNotifier writes notifications to the log. It is the default sender when
// no real delivery channel is wired in.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n *LogNotifier) Send(_ context.Context, recipients []string, title, message string, metadata map[string]string) error {
	n.Logger.WithFields(logrus.Fields{
		"recipients": recipients,
		"title":      title,
		"metadata":   metadata,
	}).Infof("notification: %s", message)
	return nil
}

// Notification is one recorded send.
type Notification struct {
	Recipients []string
	Title      string
	Message    string
	Metadata   map[string]string
}

// Recorder captures notifications for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Send(_ context.Context, recipients []string, title, message string, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Notification{Recipients: recipients, Title: title, Message: message, Metadata: metadata})
	return nil
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}
