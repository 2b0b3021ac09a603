package retell

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/bt-bridge/retell-client/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// TokenProvider hands the client a short-lived call token for an agent.
type TokenProvider func(ctx context.Context, agentId string) (string, error)

// HTTPTokenSource fetches call tokens from a backend endpoint. The
// endpoint receives {"agentId": ...} and answers {"token": ...}; error
// responses are expected to carry {"message": ...}.
type HTTPTokenSource struct {
	logger   shared.LoggerAdapter
	tokenUrl *url.URL
}

func NewHTTPTokenSource(logger shared.LoggerAdapter, tokenUrl string) (*HTTPTokenSource, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	parsed, err := url.Parse(tokenUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing token URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("token URL must be absolute: %s", tokenUrl)
	}
	return &HTTPTokenSource{
		logger:   logger,
		tokenUrl: parsed,
	}, nil
}

type tokenRequest struct {
	AgentId string `json:"agentId"`
}

type tokenResponse struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

// GetToken requests one token for agentId. Failures are logged before
// they are returned; there is no retry.
func (s *HTTPTokenSource) GetToken(ctx context.Context, agentId string) (string, error) {
	if agentId == "" {
		err := errors.New("agent ID is required")
		s.logger.Error("requesting call token", err)
		return "", err
	}
	body, err := sonic.Marshal(tokenRequest{AgentId: agentId})
	if err != nil {
		s.logger.Error("marshaling token request", err, zap.String("agentId", agentId))
		return "", fmt.Errorf("marshaling token request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	req.SetRequestURI(s.tokenUrl.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	// req and resp stay owned by fasthttp.Do until it returns, so they
	// may only go back to the pool after errC fires. On cancellation the
	// spawned goroutine below is the one that releases them.
	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		go func() {
			<-errC
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}()
		s.logger.Error("requesting call token", ctx.Err(), zap.String("agentId", agentId))
		return "", ctx.Err()
	case err := <-errC:
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		if err != nil {
			s.logger.Error("requesting call token", err, zap.String("agentId", agentId))
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}

	var parsed tokenResponse
	if resp.StatusCode() != fasthttp.StatusOK {
		// Error bodies are best-effort JSON; keep the default message
		// when decoding fails.
		message := shared.DefaultTokenFetchMessage
		if err := sonic.Unmarshal(resp.Body(), &parsed); err == nil && parsed.Message != "" {
			message = parsed.Message
		}
		tfe := &shared.TokenFetchError{
			StatusCode: resp.StatusCode(),
			Message:    message,
		}
		s.logger.Error(
			"token endpoint returned an error",
			tfe,
			zap.String("agentId", agentId),
			zap.Int("status", resp.StatusCode()),
		)
		return "", tfe
	}
	if err := sonic.Unmarshal(resp.Body(), &parsed); err != nil {
		tfe := &shared.TokenFetchError{
			StatusCode: resp.StatusCode(),
			Message:    shared.DefaultTokenFetchMessage,
		}
		s.logger.Error("decoding token response", err, zap.String("agentId", agentId))
		return "", tfe
	}
	if parsed.Token == "" {
		tfe := &shared.TokenFetchError{
			StatusCode: resp.StatusCode(),
			Message:    shared.DefaultTokenFetchMessage,
		}
		s.logger.Error("token response carried no token", tfe, zap.String("agentId", agentId))
		return "", tfe
	}
	s.logger.Debug("call token fetched", zap.String("agentId", agentId))
	return parsed.Token, nil
}
