package notify

import "github.com/rs/zerolog"

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// LogNotifier writes notifications to the process log, so run outcomes
// stay visible when no webhook is configured
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a notifier backed by the given logger
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

// Send logs the notification at a level matching its type
func (l *LogNotifier) Send(n Notification) error {
	evt := l.log.Info()
	switch n.Type {
	case NotifyWarning:
		evt = l.log.Warn()
	case NotifyError:
		evt = l.log.Error()
	}
	evt.Str("title", n.Title).Str("run_id", n.RunID).Msg(n.Message)
	return nil
}
