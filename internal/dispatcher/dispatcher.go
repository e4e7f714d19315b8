package dispatcher

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pht-router/trainrouter/internal/observability"
	"github.com/pht-router/trainrouter/internal/routerrors"
)

// Processor is satisfied by the Router. Keeping it as a small
// interface here (rather than importing the router package directly)
// avoids a dependency cycle, since the router package needs Command
// and Response from this one.
type Processor interface {
	Process(ctx context.Context, cmd Command) Response
}

// Dispatcher parses inbound command bytes, invokes the Router, and
// serializes the response. It never returns an error to its caller: a
// malformed or unknown message still produces a publishable response
// (or, for EventBus acknowledgment purposes, a nil body meaning "ack
// with nothing to publish").
type Dispatcher struct {
	router Processor
	logger *observability.Logger
	metric *observability.Metrics
}

// New creates a Dispatcher wired to a Processor (the Router).
func New(router Processor, logger *observability.Logger) *Dispatcher {
	return &Dispatcher{router: router, logger: logger, metric: observability.NewMetrics()}
}

// Handle parses body, dispatches to the Router, and returns the
// serialized response to publish. A malformed payload or unknown event
// still yields a publishable trainFailed response with a null jobId,
// per spec.md §8 scenario 6's first alternative — the message is
// always acknowledged by the caller regardless of what Handle returns.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) []byte {
	requestID := uuid.NewString()
	logger := d.logger.With(zap.String("request_id", requestID))

	cmd, err := Parse(body)
	if err != nil {
		logger.Warn("rejecting inbound message", zap.Error(err))
		d.metric.RecordCommand("unknown", "malformed")
		out, _ := Serialize(failureResponse("", err))
		return out
	}
	cmd.RequestID = requestID

	logger.Info("processing command", zap.String("type", string(cmd.Type)), zap.String("job_id", cmd.JobId))

	resp := d.router.Process(ctx, cmd)

	result := "ok"
	if resp.Event == RespFailed {
		result = "failed"
	}
	d.metric.RecordCommand(string(cmd.Type), result)

	out, serErr := Serialize(resp)
	if serErr != nil {
		logger.Error("failed to serialize response", zap.Error(serErr))
		return nil
	}
	return out
}

func failureResponse(jobId string, err error) Response {
	resp := Response{
		Event:   RespFailed,
		JobId:   jobId,
		Message: err.Error(),
	}
	if code, ok := routerrors.CodeOf(err); ok {
		resp.ErrorCode = &code
	}
	return resp
}
