package mideej

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier represents an entity that can display notifications to the user
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier shows desktop toast notifications
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	logger.Debug("Created toast notifier instance")

	return &ToastNotifier{logger: logger}, nil
}

// Notify shows a toast; failures are logged, never surfaced
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Warnw("Failed to send toast notification", "error", err)
	}
}
