package rest

import (
	"context"
	"io"

	"github.com/shaneisley/simplerest/pkg/bridge"
	"github.com/shaneisley/simplerest/pkg/envelope"
)

// Execute sends req through the active bridge and blocks until it completes.
// It is meant for callers that are not running on a scheduler loop.
func (e *Engine) Execute(req *Request) (*envelope.Envelope, error) {
	b, err := bridge.Current()
	if err != nil {
		return nil, err
	}
	return bridge.Execute(b, e.sendOp(req))
}

// ExecuteNoWait submits req through the active bridge; Join the task for the envelope
func (e *Engine) ExecuteNoWait(req *Request) (*bridge.Task[*envelope.Envelope], error) {
	b, err := bridge.Current()
	if err != nil {
		return nil, err
	}
	return bridge.ExecuteNoWait(b, e.sendOp(req))
}

// ExecuteGroup sends every request concurrently and returns their envelopes
// in order
func (e *Engine) ExecuteGroup(reqs ...*Request) ([]*envelope.Envelope, error) {
	b, err := bridge.Current()
	if err != nil {
		return nil, err
	}

	ops := make([]bridge.Op[*envelope.Envelope], len(reqs))
	for i, req := range reqs {
		ops[i] = e.sendOp(req)
	}

	outcomes, err := bridge.ExecuteGroup(b, ops...)
	if err != nil {
		return nil, err
	}

	envs := make([]*envelope.Envelope, len(outcomes))
	for i, o := range outcomes {
		envs[i] = o.Value
		if o.Err != nil {
			envs[i] = envelope.FromError(e.texts, o.Err)
		}
	}
	return envs, nil
}

// ExecuteStream streams req's body through the active bridge. Chunks are
// pulled with Next on the caller's goroutine; the request result is available
// once the stream is drained.
func (e *Engine) ExecuteStream(req *Request) (*bridge.Stream[[]byte], error) {
	b, err := bridge.Current()
	if err != nil {
		return nil, err
	}
	return bridge.ExecuteStream(b, func(ctx context.Context, emit func([]byte) error) error {
		s, err := e.Stream(ctx, req)
		if err != nil {
			return err
		}
		defer s.Close()

		for {
			chunk, err := s.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if err := emit(chunk); err != nil {
				return nil
			}
		}
	})
}

func (e *Engine) sendOp(req *Request) bridge.Op[*envelope.Envelope] {
	return func(ctx context.Context) (*envelope.Envelope, error) {
		return e.Send(ctx, req), nil
	}
}
