package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

var NullLogger = &logrus.Logger{
	Out:       io.Discard,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.PanicLevel,
}

// NullEntry is a log entry that discards everything, for components under test.
func NullEntry() *logrus.Entry {
	return logrus.NewEntry(NullLogger)
}
