package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"convo-service/internal/auth"
	"convo-service/internal/mocks"
)

func setupRouter(authenticator auth.Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(authenticator))
	r.GET("/whoami", func(c *gin.Context) {
		did, ok := CallerDID(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"did": did})
	})
	return r
}

func TestAuthMiddlewareSuccess(t *testing.T) {
	authenticator := new(mocks.AuthenticatorMock)
	authenticator.On("ValidateToken", mock.Anything, "good-token").Return("did:plc:alice", nil).Once()
	router := setupRouter(authenticator)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "did:plc:alice")
	authenticator.AssertExpectations(t)
}

func TestAuthMiddlewareRejections(t *testing.T) {
	authenticator := new(mocks.AuthenticatorMock)
	authenticator.On("ValidateToken", mock.Anything, "bad-token").Return("", auth.ErrUnauthorized)
	router := setupRouter(authenticator)

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"malformed header", "Token xyz"},
		{"invalid token", "Bearer bad-token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}
