package advisor

import (
	"context"

	"agora/internal/economy/ports"
	sharederrors "agora/internal/shared/errors"
	"agora/internal/shared/logging"
)

// retryAdvisor retries transient failures (timeouts, 429s, 5xx) before the
// caller's deterministic fallback takes over. Permanent failures pass
// through on the first attempt.
type retryAdvisor struct {
	delegate ports.Advisor
	config   sharederrors.RetryConfig
	logger   logging.Logger
}

// NewRetryAdvisor wraps delegate with transient-error retry.
func NewRetryAdvisor(delegate ports.Advisor, config sharederrors.RetryConfig, logger logging.Logger) ports.Advisor {
	if delegate == nil {
		return nil
	}
	if config.MaxAttempts <= 0 {
		config = sharederrors.DefaultRetryConfig()
	}
	return &retryAdvisor{delegate: delegate, config: config, logger: logging.OrNop(logger)}
}

func (r *retryAdvisor) Invoke(ctx context.Context, req ports.AdvisorRequest) (ports.AdvisorResponse, error) {
	return sharederrors.RetryWithResult(ctx, r.config, func(ctx context.Context) (ports.AdvisorResponse, error) {
		return r.delegate.Invoke(ctx, req)
	}, r.logger)
}

var _ ports.Advisor = (*retryAdvisor)(nil)
