package distribution

import (
	"context"
	"errors"

	interfaces "marketsim/internal/domain/interfaces"
)

// JoinSinks combines several sinks into one. Nil entries are ignored and a
// nil sink is returned when nothing is left.
func JoinSinks(sinks ...interfaces.Sink) interfaces.Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

type multiSink []interfaces.Sink

func (m multiSink) Publish(ctx context.Context, payload []byte) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Publish(ctx, payload))
	}
	return errors.Join(errs...)
}

func (m multiSink) Ping(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Ping(ctx))
	}
	return errors.Join(errs...)
}

func (m multiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
