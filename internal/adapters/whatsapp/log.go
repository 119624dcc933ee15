package whatsapp

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// zeroLogger bridges whatsmeow's logger onto the global zerolog logger.
type zeroLogger struct {
	module string
	logger zerolog.Logger
}

func newLogger(module string) waLog.Logger {
	return &zeroLogger{module: module, logger: log.Logger.With().Str("module", module).Logger()}
}

func (l *zeroLogger) Errorf(msg string, args ...any) { l.logger.Error().Msg(fmt.Sprintf(msg, args...)) }
func (l *zeroLogger) Warnf(msg string, args ...any)  { l.logger.Warn().Msg(fmt.Sprintf(msg, args...)) }
func (l *zeroLogger) Infof(msg string, args ...any)  { l.logger.Info().Msg(fmt.Sprintf(msg, args...)) }

// Debug output from the protocol layer is very chatty; it only shows at trace.
func (l *zeroLogger) Debugf(msg string, args ...any) { l.logger.Trace().Msg(fmt.Sprintf(msg, args...)) }

func (l *zeroLogger) Sub(module string) waLog.Logger {
	return newLogger(l.module + "/" + module)
}
