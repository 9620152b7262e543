// Package notify defines the toast notifications controllers raise toward the
// page. Every recoverable failure ends up here instead of propagating.
package notify

// Kind is the severity of a toast.
type Kind string

const (
	Info    Kind = "info"
	Success Kind = "success"
	Error   Kind = "error"
)

// Notifier shows non-blocking notifications to the user.
type Notifier interface {
	Notify(kind Kind, text string)
}

// Func adapts a function to Notifier.
type Func func(kind Kind, text string)

func (f Func) Notify(kind Kind, text string) { f(kind, text) }

// Discard drops every notification.
var Discard Notifier = Func(func(Kind, string) {})
