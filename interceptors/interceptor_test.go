package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/sacmq/sacmq-go/contracts"
	"github.com/sacmq/sacmq-go/internal/reliability"
	"github.com/sacmq/sacmq-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() messaging.RequestHandler {
	return messaging.RequestHandlerFunc(func(ctx context.Context, request *contracts.RPCMessage) (*contracts.RPCMessage, error) {
		return contracts.NewResponse(request, []byte(`"ok"`)), nil
	})
}

func failingHandler(err error) messaging.RequestHandler {
	return messaging.RequestHandlerFunc(func(ctx context.Context, request *contracts.RPCMessage) (*contracts.RPCMessage, error) {
		return nil, err
	})
}

func recordingInterceptor(name string, trace *[]string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, request *contracts.RPCMessage, next messaging.RequestHandler) (*contracts.RPCMessage, error) {
		*trace = append(*trace, name+":before")
		response, err := next.HandleRequest(ctx, request)
		*trace = append(*trace, name+":after")
		return response, err
	})
}

func TestInterceptorChainOrder(t *testing.T) {
	var trace []string
	chain := NewInterceptorChain(nil).
		Add(recordingInterceptor("outer", &trace)).
		Add(recordingInterceptor("inner", &trace))

	assert.Equal(t, []string{"outer", "inner"}, chain.Names())

	response, err := chain.Then(okHandler()).HandleRequest(context.Background(), contracts.NewRequest(1, "m", nil))
	require.NoError(t, err)
	assert.True(t, response.IsSuccess())
	assert.Equal(t, []string{"outer:before", "inner:before", "inner:after", "outer:after"}, trace)
}

func TestEmptyChainReturnsHandler(t *testing.T) {
	response, err := NewInterceptorChain(nil).Then(okHandler()).HandleRequest(context.Background(), contracts.NewRequest(1, "m", nil))
	require.NoError(t, err)
	assert.True(t, response.IsSuccess())
}

func TestRecoveryInterceptor(t *testing.T) {
	panicking := messaging.RequestHandlerFunc(func(ctx context.Context, request *contracts.RPCMessage) (*contracts.RPCMessage, error) {
		panic("nil map")
	})

	handler := NewInterceptorChain(nil).Add(NewRecoveryInterceptor(slog.Default())).Then(panicking)
	response, err := handler.HandleRequest(context.Background(), contracts.NewRequest(7, "m", nil))
	assert.Nil(t, response)
	assert.ErrorIs(t, err, ErrPanic)
	assert.Contains(t, err.Error(), "nil map")
}

func TestTimeoutInterceptor(t *testing.T) {
	t.Run("handler observes the deadline", func(t *testing.T) {
		waiting := messaging.RequestHandlerFunc(func(ctx context.Context, request *contracts.RPCMessage) (*contracts.RPCMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		handler := NewInterceptorChain(nil).Add(NewTimeoutInterceptor(10 * time.Millisecond)).Then(waiting)

		_, err := handler.HandleRequest(context.Background(), contracts.NewRequest(1, "m", nil))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("late success becomes a failure", func(t *testing.T) {
		sleeping := messaging.RequestHandlerFunc(func(ctx context.Context, request *contracts.RPCMessage) (*contracts.RPCMessage, error) {
			time.Sleep(30 * time.Millisecond)
			return contracts.NewResponse(request, nil), nil
		})
		handler := NewInterceptorChain(nil).Add(NewTimeoutInterceptor(5 * time.Millisecond)).Then(sleeping)

		_, err := handler.HandleRequest(context.Background(), contracts.NewRequest(2, "m", nil))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("fast handler", func(t *testing.T) {
		handler := NewInterceptorChain(nil).Add(NewTimeoutInterceptor(time.Second)).Then(okHandler())
		_, err := handler.HandleRequest(context.Background(), contracts.NewRequest(3, "m", nil))
		assert.NoError(t, err)
	})
}

func TestMetricsInterceptor(t *testing.T) {
	metrics := NewInMemoryMetrics()
	chain := NewInterceptorChain(nil).Add(NewMetricsInterceptor(metrics))

	ok := chain.Then(okHandler())
	failing := chain.Then(failingHandler(errors.New("boom")))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = ok.HandleRequest(ctx, contracts.NewRequest(uint64(i), "get", nil))
	}
	_, _ = failing.HandleRequest(ctx, contracts.NewRequest(9, "put", nil))

	snapshot := metrics.Snapshot()
	assert.Equal(t, int64(3), snapshot["get"].Requests)
	assert.Equal(t, int64(0), snapshot["get"].Errors)
	assert.Equal(t, int64(1), snapshot["put"].Requests)
	assert.Equal(t, int64(1), snapshot["put"].Errors)
}

func TestCircuitBreakerInterceptor(t *testing.T) {
	breaker := reliability.NewCircuitBreaker(
		reliability.WithFailureThreshold(2),
		reliability.WithOpenTimeout(time.Minute))

	failureResponse := messaging.RequestHandlerFunc(func(ctx context.Context, request *contracts.RPCMessage) (*contracts.RPCMessage, error) {
		return contracts.NewErrorResponse(request, contracts.CodeFail), nil
	})
	handler := NewDefaultInterceptorChainBuilder(nil).WithCircuitBreaker(breaker).Build().Then(failureResponse)
	ctx := context.Background()

	// Failure responses pass through but count against the breaker
	for i := 0; i < 2; i++ {
		response, err := handler.HandleRequest(ctx, contracts.NewRequest(uint64(i), "m", nil))
		require.NoError(t, err)
		assert.ErrorIs(t, response.Err(), contracts.CodeFail)
	}
	assert.Equal(t, reliability.StateOpen, breaker.State())

	response, err := handler.HandleRequest(ctx, contracts.NewRequest(3, "m", nil))
	assert.Nil(t, response)
	assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
}

func TestDefaultInterceptorChainBuilder(t *testing.T) {
	metrics := NewInMemoryMetrics()
	chain := NewDefaultInterceptorChainBuilder(slog.Default()).
		WithRecovery().
		WithLogging().
		WithMetrics(metrics).
		WithTimeout(time.Second).
		WithCustom(NewInterceptorFunc("custom", func(ctx context.Context, request *contracts.RPCMessage, next messaging.RequestHandler) (*contracts.RPCMessage, error) {
			return next.HandleRequest(ctx, request)
		})).
		Build()

	assert.Equal(t, []string{
		"RecoveryInterceptor",
		"LoggingInterceptor",
		"MetricsInterceptor",
		"TimeoutInterceptor",
		"custom",
	}, chain.Names())

	response, err := chain.Then(okHandler()).HandleRequest(context.Background(), contracts.NewRequest(1, "m", nil))
	require.NoError(t, err)
	assert.True(t, response.IsSuccess())
	assert.Equal(t, int64(1), metrics.Snapshot()["m"].Requests)
}
