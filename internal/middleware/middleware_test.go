package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell/childbook/internal/auth"
)

const secret = "test-secret"

func newApp(t *testing.T, limit int) *fiber.App {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	app := fiber.New()
	app.Use(NewAuthMiddleware(secret).Authenticate())
	app.Post("/runs", NewRateLimiter(rdb).RunLimit(limit), func(c *fiber.Ctx) error {
		return c.SendString(GetOperatorID(c))
	})
	return app
}

func bearer(t *testing.T, operator string) string {
	t.Helper()
	tok, err := auth.IssueToken(operator, secret, time.Hour, time.Now())
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestAuthenticate(t *testing.T) {
	app := newApp(t, 10)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", fiber.StatusUnauthorized},
		{"wrong scheme", "Basic abc", fiber.StatusUnauthorized},
		{"garbage token", "Bearer abc", fiber.StatusUnauthorized},
		{"valid", bearer(t, "ops"), fiber.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/runs", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestRunLimit(t *testing.T) {
	app := newApp(t, 2)
	header := bearer(t, "ops")

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/runs", nil)
		req.Header.Set("Authorization", header)
		resp, err := app.Test(req)
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
		if i == 2 {
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{200, 200, fiber.StatusTooManyRequests}, codes)

	// Limits are per operator.
	req := httptest.NewRequest("POST", "/runs", nil)
	req.Header.Set("Authorization", bearer(t, "other"))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
