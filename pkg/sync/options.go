// ABOUTME: Functional options shared by the sync components
// ABOUTME: Currently only carries the logger
package sync

import "go.uber.org/zap"

type options struct {
	logger *zap.Logger
}

// Option customises a component at construction.
type Option func(*options)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
