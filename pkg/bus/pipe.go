package bus

import "context"

// Invocation is one consumer delivery about to execute.
type Invocation func(ctx context.Context, consumer any, msg any) error

// Pipe wraps consumer invocations with cross-cutting behavior such as
// timing or tracing. Pipes registered earlier sit closer to the consumer;
// each later pipe wraps the chain built so far.
type Pipe interface {
	Around(next Invocation) Invocation
}

// PipeFunc adapts a function to the Pipe interface.
type PipeFunc func(next Invocation) Invocation

// Around calls f.
func (f PipeFunc) Around(next Invocation) Invocation {
	return f(next)
}

// UsePipe appends p to the pipe chain applied to every delivery.
func (b *Bus) UsePipe(p Pipe) {
	if p == nil {
		return
	}
	b.mu.Lock()
	b.pipes = append(b.pipes, p)
	b.mu.Unlock()
}
