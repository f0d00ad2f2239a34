package journal

import (
	"github.com/sirupsen/logrus"
)

// Journal records structured audit events.
type Journal interface {
	Record(event string, fields map[string]interface{})
}

// Logger writes audit events through a logrus logger.
type Logger struct {
	log *logrus.Logger
}

// New creates a journal backed by the given logger.
func New(log *logrus.Logger) *Logger {
	return &Logger{log: log}
}

// Record emits the event with its fields at info level.
func (l *Logger) Record(event string, fields map[string]interface{}) {
	l.log.WithFields(logrus.Fields(fields)).Info(event)
}

// Discard is a journal that drops every event.
type Discard struct{}

func (Discard) Record(string, map[string]interface{}) {}
