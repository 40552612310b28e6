package queue

import (
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/koushole/bookrag/internal/logger"
)

var _ asynq.Logger = asynqLogger{}

// asynqLogger routes asynq's own log lines through the service logger.
type asynqLogger struct {
	log *logger.Logger
}

func NewAsynqLogger(log *logger.Logger) asynq.Logger {
	return asynqLogger{log: logger.OrNop(log).With("component", "asynq")}
}

func (l asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.log.Fatal(fmt.Sprint(args...)) }
