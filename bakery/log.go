package bakery

import (
	"context"

	"github.com/juju/loggo"
)

// Logger is used by the bakery packages to log informational and
// debug messages. Applications that want their own logging backend
// can implement this interface and pass it in through the relevant
// Params struct; when none is supplied, DefaultLogger is used.
type Logger interface {
	Debugf(ctx context.Context, f string, args ...interface{})
	Infof(ctx context.Context, f string, args ...interface{})
}

// DefaultLogger returns a Logger that logs to the juju/loggo module
// with the given name.
func DefaultLogger(name string) Logger {
	return loggoLogger{loggo.GetLogger(name)}
}

type loggoLogger struct {
	logger loggo.Logger
}

func (l loggoLogger) Debugf(_ context.Context, f string, args ...interface{}) {
	l.logger.Debugf(f, args...)
}

func (l loggoLogger) Infof(_ context.Context, f string, args ...interface{}) {
	l.logger.Infof(f, args...)
}

var logger = DefaultLogger("bakery")
