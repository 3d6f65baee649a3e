package ppp

import (
	"go.uber.org/zap"
)

// Reporter receives diagnostics about fatal negotiation conditions. The
// calls are informational and never change control flow.
type Reporter interface {
	InformDataUnitParsingError(protocol string, code Code, err error)
	InformCounterExhausted(protocol string, operation string)
	InformInvalidUnit(protocol string, operation string, code Code, state State)
	InformOptionRejected(protocol string, opt Option)
}

// LogReporter writes diagnostics to a zap logger
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter logging through logger
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// InformDataUnitParsingError implements Reporter
func (r *LogReporter) InformDataUnitParsingError(protocol string, code Code, err error) {
	r.logger.Error("Failed to parse control frame",
		zap.String("protocol", protocol),
		zap.String("code", code.String()),
		zap.Error(err),
	)
}

// InformCounterExhausted implements Reporter
func (r *LogReporter) InformCounterExhausted(protocol string, operation string) {
	r.logger.Error("Retry counter exhausted",
		zap.String("protocol", protocol),
		zap.String("operation", operation),
	)
}

// InformInvalidUnit implements Reporter
func (r *LogReporter) InformInvalidUnit(protocol string, operation string, code Code, state State) {
	r.logger.Error("Invalid control frame for state",
		zap.String("protocol", protocol),
		zap.String("operation", operation),
		zap.String("code", code.String()),
		zap.String("state", state.String()),
	)
}

// InformOptionRejected implements Reporter
func (r *LogReporter) InformOptionRejected(protocol string, opt Option) {
	fields := []zap.Field{
		zap.String("protocol", protocol),
		zap.String("option", opt.Type().String()),
	}
	if addr := AddressOf(opt); addr != nil {
		fields = append(fields, zap.String("value", addr.String()))
	}
	r.logger.Error("Required option rejected by peer", fields...)
}

// MultiReporter fans diagnostics out to several reporters
type MultiReporter []Reporter

// InformDataUnitParsingError implements Reporter
func (m MultiReporter) InformDataUnitParsingError(protocol string, code Code, err error) {
	for _, r := range m {
		r.InformDataUnitParsingError(protocol, code, err)
	}
}

// InformCounterExhausted implements Reporter
func (m MultiReporter) InformCounterExhausted(protocol string, operation string) {
	for _, r := range m {
		r.InformCounterExhausted(protocol, operation)
	}
}

// InformInvalidUnit implements Reporter
func (m MultiReporter) InformInvalidUnit(protocol string, operation string, code Code, state State) {
	for _, r := range m {
		r.InformInvalidUnit(protocol, operation, code, state)
	}
}

// InformOptionRejected implements Reporter
func (m MultiReporter) InformOptionRejected(protocol string, opt Option) {
	for _, r := range m {
		r.InformOptionRejected(protocol, opt)
	}
}
