package generate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rcliao/agent-context/internal/errs"
	"github.com/rcliao/agent-context/internal/metrics"
)

// DefaultTimeout bounds the smart generator.
const DefaultTimeout = 30 * time.Second

// Outcome reports which branch produced the result. PrimaryErr is set when
// the smart branch failed and the fallback was used.
type Outcome struct {
	Result     *Result
	Path       Path
	PrimaryErr error
	Elapsed    time.Duration
}

// Strategy runs Primary under a timeout and switches to Fallback on any
// failure other than caller cancellation.
type Strategy struct {
	Primary  Generator
	Fallback Generator
	Timeout  time.Duration
	Logger   *slog.Logger
}

// NewStrategy creates a strategy. A nil primary always uses the fallback; a
// nil fallback uses LocalGenerator.
func NewStrategy(primary, fallback Generator, timeout time.Duration, logger *slog.Logger) *Strategy {
	if fallback == nil {
		fallback = NewLocalGenerator()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Strategy{Primary: primary, Fallback: fallback, Timeout: timeout, Logger: logger}
}

// Generate returns the smart result when available and the fallback result
// otherwise. It fails only when the caller cancels or both branches fail.
func (s *Strategy) Generate(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	var primaryErr error

	if s.Primary != nil {
		pctx, cancel := context.WithTimeout(ctx, s.Timeout)
		res, err := s.Primary.Generate(pctx, req)
		cancel()
		if err == nil && res != nil && len(res.Items) > 0 {
			res.Path = PathSmart
			metrics.GenerationPathTotal.WithLabelValues(string(PathSmart)).Inc()
			return &Outcome{Result: res, Path: PathSmart, Elapsed: time.Since(start)}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			err = ErrEmptyResponse
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.Logger.Warn("smart generation timed out, using fallback", "timeout", s.Timeout, "kind", req.Kind)
		} else {
			s.Logger.Warn("smart generation failed, using fallback", "error", err, "kind", req.Kind)
		}
		primaryErr = err
	}

	res, err := s.Fallback.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Unavailable(errs.CodeGenerationFailed, "content could not be generated", errors.Join(primaryErr, err))
	}
	res.Path = PathFallback
	metrics.GenerationPathTotal.WithLabelValues(string(PathFallback)).Inc()
	return &Outcome{Result: res, Path: PathFallback, PrimaryErr: primaryErr, Elapsed: time.Since(start)}, nil
}
