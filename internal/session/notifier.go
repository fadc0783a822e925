package session

import (
	"context"
	"log/slog"
)

// Notification is a user-facing message raised by a session
type Notification struct {
	Level     slog.Level
	SessionID string
	Title     string
	Message   string
}

// Notifier is the boundary where session failures become user notifications
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// logNotifier is used when the caller does not install one
type logNotifier struct{}

func (logNotifier) Notify(n Notification) {
	slog.Log(context.Background(), n.Level, n.Title, "session", n.SessionID, "message", n.Message)
}
