package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sacmq/sacmq-go/contracts"
	"github.com/sacmq/sacmq-go/framing"
	"github.com/sacmq/sacmq-go/serialization"
)

// Dispatcher decodes inbound frames from a transport and routes them
type Dispatcher struct {
	codec       *serialization.MessageCodec
	responses   ResponseSink
	requests    RequestHandler
	logger      *slog.Logger
	concurrency int
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithResponseSink sets where responses are delivered
func WithResponseSink(sink ResponseSink) DispatcherOption {
	return func(d *Dispatcher) {
		d.responses = sink
	}
}

// WithRequestHandler sets the handler for requests and oneway messages
func WithRequestHandler(handler RequestHandler) DispatcherOption {
	return func(d *Dispatcher) {
		d.requests = handler
	}
}

// WithConcurrency bounds the requests handled at once per transport
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.concurrency = n
	}
}

// NewDispatcher creates a dispatcher using codec for both directions
func NewDispatcher(codec *serialization.MessageCodec, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		codec:       codec,
		logger:      slog.Default(),
		concurrency: 64,
	}

	for _, opt := range options {
		opt(d)
	}

	if d.concurrency < 1 {
		d.concurrency = 1
	}

	return d
}

// Serve reads transport until it is closed or ctx is done. A frame larger
// than the codec allows closes the transport and is returned, wrapped.
// Request handlers still running when the transport ends are waited for.
func (d *Dispatcher) Serve(ctx context.Context, transport Transport) error {
	decoder := d.codec.NewDecoder()
	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	var fatal error
	err := transport.Receive(ctx, func(chunk []byte) {
		if fatal != nil {
			return
		}

		for msg, err := range decoder.Decode(chunk) {
			if err != nil {
				if errors.Is(err, framing.ErrFrameTooLarge) {
					fatal = err
					d.logger.Error("closing connection on oversized frame", "error", err)
					transport.Close()
					return
				}
				d.handleMalformed(ctx, transport, err)
				continue
			}

			if msg.Kind == contracts.KindResponse {
				d.deliver(msg)
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(msg *contracts.RPCMessage) {
				defer func() {
					<-sem
					wg.Done()
				}()
				d.handleRequest(ctx, transport, msg)
			}(msg)
		}
	})

	if fatal != nil {
		return fmt.Errorf("connection reset: %w", fatal)
	}
	return err
}

func (d *Dispatcher) deliver(msg *contracts.RPCMessage) {
	if d.responses == nil {
		d.logger.Warn("response received without a response sink", "sequenceId", msg.SequenceID)
		return
	}
	d.responses.DeliverResponse(msg.SequenceID, msg)
}

// handleMalformed reports a frame that did not deserialize. If a sequence
// id was recovered, the matching caller gets a failure response instead of
// waiting for its timeout.
func (d *Dispatcher) handleMalformed(ctx context.Context, transport Transport, err error) {
	var merr *serialization.MalformedFrameError
	if !errors.As(err, &merr) || !merr.HasSequenceID {
		d.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	d.logger.Warn("malformed frame",
		"sequenceId", merr.SequenceID,
		"kind", merr.Kind,
		"error", merr.Err)

	failure := contracts.Failure(merr.SequenceID, merr.Error())
	switch merr.Kind {
	case contracts.KindRequest:
		d.reply(ctx, transport, failure)
	case contracts.KindOneway:
	default:
		if d.responses != nil {
			d.responses.DeliverResponse(merr.SequenceID, failure)
		}
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, transport Transport, request *contracts.RPCMessage) {
	if d.requests == nil {
		d.logger.Warn("request received without a request handler",
			"sequenceId", request.SequenceID,
			"method", request.Method)
		if request.Kind == contracts.KindRequest {
			d.reply(ctx, transport, contracts.NewErrorResponse(request, contracts.CodeFail))
		}
		return
	}

	response, err := d.requests.HandleRequest(ctx, request)
	if request.Kind == contracts.KindOneway {
		if err != nil {
			d.logger.Error("oneway handler failed",
				"sequenceId", request.SequenceID,
				"method", request.Method,
				"error", err)
		}
		return
	}

	if err != nil {
		response = contracts.NewErrorResponse(request, contracts.ResponseCode{
			Code:    contracts.CodeFail.Code,
			Message: err.Error(),
		})
	}
	if response == nil {
		response = contracts.NewResponse(request, nil)
	}
	response.SequenceID = request.SequenceID
	response.Kind = contracts.KindResponse
	d.reply(ctx, transport, response)
}

func (d *Dispatcher) reply(ctx context.Context, transport Transport, response *contracts.RPCMessage) {
	frame, err := d.codec.Encode(response)
	if err != nil {
		d.logger.Error("failed to encode response",
			"sequenceId", response.SequenceID,
			"error", err)
		if !errors.Is(err, framing.ErrFrameTooLarge) {
			return
		}
		// Tell the caller instead of leaving it to time out
		frame, err = d.codec.Encode(contracts.Failure(response.SequenceID, "response too large"))
		if err != nil {
			return
		}
	}

	if err := transport.Send(ctx, frame); err != nil {
		d.logger.Error("failed to send response",
			"sequenceId", response.SequenceID,
			"error", err)
	}
}
