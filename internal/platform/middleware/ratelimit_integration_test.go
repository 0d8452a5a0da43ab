//go:build integration

package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"regledger/internal/platform/logger"
	"regledger/internal/platform/middleware"
	"regledger/pkg/testutil/containers"
)

type RateLimitSuite struct {
	suite.Suite
	redis *containers.RedisContainer
}

func TestRateLimitSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RateLimitSuite))
}

func (s *RateLimitSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RateLimitSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RateLimitSuite) newLimited(perMinute int) http.Handler {
	chain := middleware.RequestID(
		middleware.RateLimit(s.redis.Client, perMinute, logger.NewNop())(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})))
	return chain
}

func (s *RateLimitSuite) do(h http.Handler, ip string) int {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", ip)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func (s *RateLimitSuite) TestAllowsUnderLimit() {
	h := s.newLimited(5)
	for i := 0; i < 5; i++ {
		require.Equal(s.T(), http.StatusOK, s.do(h, "203.0.113.9"))
	}
}

func (s *RateLimitSuite) TestBlocksOverLimit() {
	h := s.newLimited(3)
	for i := 0; i < 3; i++ {
		s.Equal(http.StatusOK, s.do(h, "203.0.113.9"))
	}
	s.Equal(http.StatusTooManyRequests, s.do(h, "203.0.113.9"))
}

func (s *RateLimitSuite) TestLimitsPerIP() {
	h := s.newLimited(2)
	s.Equal(http.StatusOK, s.do(h, "203.0.113.9"))
	s.Equal(http.StatusOK, s.do(h, "203.0.113.9"))
	s.Equal(http.StatusTooManyRequests, s.do(h, "203.0.113.9"))

	// A different client is unaffected.
	s.Equal(http.StatusOK, s.do(h, "198.51.100.7"))
}
