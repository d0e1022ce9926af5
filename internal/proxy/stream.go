package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Stream yields packages on demand. Next returns io.EOF once the stream is
// exhausted and ctx.Err() once ctx is done. A *StageError reports a package
// a stage could not transform; the stream stays usable after it.
type Stream interface {
	Next(ctx context.Context) (*Package, error)
}

// StreamFunc adapts a function to Stream.
type StreamFunc func(ctx context.Context) (*Package, error)

// Next implements Stream.
func (f StreamFunc) Next(ctx context.Context) (*Package, error) {
	return f(ctx)
}

// Handler transforms one stream into another.
type Handler interface {
	PipeStream(in Stream) Stream
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(in Stream) Stream

// PipeStream implements Handler.
func (f HandlerFunc) PipeStream(in Stream) Stream {
	return f(in)
}

// Identity forwards every package unchanged.
func Identity() Handler {
	return HandlerFunc(func(in Stream) Stream { return in })
}

// Compose chains handlers in order: packages traverse handlers[0] first.
// The result is itself a Handler, so chains nest.
func Compose(handlers ...Handler) Handler {
	return HandlerFunc(func(in Stream) Stream {
		s := in
		for _, h := range handlers {
			s = h.PipeStream(s)
		}
		return s
	})
}

// StageError carries a package that a stage failed to transform.
type StageError struct {
	Stage   string
	Package *Package
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("proxy stage %s: %s: %v", e.Stage, e.Package, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsStageError reports whether err carries a single-package failure.
func IsStageError(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}

// deliver returns p unless ctx is already done.
func deliver(ctx context.Context, p *Package) (*Package, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// FromSlice streams pkgs in order, then io.EOF.
func FromSlice(pkgs []*Package) Stream {
	i := 0
	return StreamFunc(func(ctx context.Context) (*Package, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if i >= len(pkgs) {
			return nil, io.EOF
		}

		p := pkgs[i]
		i++
		return p, nil
	})
}

// Collect drains s until io.EOF. Stage errors are gathered and joined;
// any other error stops collection.
func Collect(ctx context.Context, s Stream) ([]*Package, error) {
	var (
		out  []*Package
		errs []error
	)

	for {
		p, err := s.Next(ctx)
		switch {
		case err == nil:
			out = append(out, p)
		case errors.Is(err, io.EOF):
			return out, errors.Join(errs...)
		case IsStageError(err):
			errs = append(errs, err)
		default:
			return out, err
		}
	}
}

var ErrInboxClosed = errors.New("inbox closed")

// Inbox is a bounded source fed by transports. Push blocks while the inbox
// is full, Offer does not. After Close, buffered packages are still
// delivered before io.EOF.
type Inbox struct {
	ch        chan *Package
	done      chan struct{}
	closeOnce sync.Once
}

// NewInbox creates an inbox holding up to capacity packages.
func NewInbox(capacity int) *Inbox {
	return &Inbox{
		ch:   make(chan *Package, capacity),
		done: make(chan struct{}),
	}
}

// Push enqueues p, waiting for room.
func (b *Inbox) Push(ctx context.Context, p *Package) error {
	select {
	case <-b.done:
		return ErrInboxClosed
	default:
	}

	select {
	case b.ch <- p:
		return nil
	case <-b.done:
		return ErrInboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer enqueues p if there is room and reports whether it did.
func (b *Inbox) Offer(p *Package) bool {
	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.ch <- p:
		return true
	default:
		return false
	}
}

// Close ends the stream once buffered packages are consumed.
func (b *Inbox) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Len returns the number of buffered packages.
func (b *Inbox) Len() int {
	return len(b.ch)
}

// Next implements Stream.
func (b *Inbox) Next(ctx context.Context) (*Package, error) {
	select {
	case p := <-b.ch:
		return deliver(ctx, p)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
	}

	select {
	case p := <-b.ch:
		return deliver(ctx, p)
	default:
		return nil, io.EOF
	}
}
