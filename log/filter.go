package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"moul.io/zapfilter"
)

// WithFilter returns an option that restricts the output to entries matching
// rules, e.g. "*:conn,handoff debug+:*". An empty rule set disables filtering.
func WithFilter(rules string) (Option, error) {
	if rules == "" {
		return zap.WrapCore(func(c zapcore.Core) zapcore.Core { return c }), nil
	}
	filter, err := zapfilter.ParseRules(rules)
	if err != nil {
		return nil, err
	}
	return zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapfilter.NewFilteringCore(c, filter)
	}), nil
}
