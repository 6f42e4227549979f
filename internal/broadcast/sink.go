package broadcast

import "errors"

var (
	ErrBadTopic = errors.New("broadcast: malformed topic")
	ErrClosed   = errors.New("broadcast: hub closed")
)

// FuncSink adapts a function to Sink for in-process consumers.
type FuncSink struct {
	id string
	fn func(Envelope) error
}

func NewFuncSink(id string, fn func(Envelope) error) *FuncSink {
	return &FuncSink{id: id, fn: fn}
}

func (f *FuncSink) ID() string { return f.id }

func (f *FuncSink) Send(env Envelope) error { return f.fn(env) }
