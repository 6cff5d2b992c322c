package refoldbot

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashTokenRoundTrip(t *testing.T) {
	hash, err := HashToken("super-secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m="))

	valid, err := verifyToken(hash, "super-secret")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = verifyToken(hash, "wrong-token")
	require.NoError(t, err)
	assert.False(t, valid)

	// hashing is salted, so two hashes of the same token differ
	other, err := HashToken("super-secret")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)
}

func TestVerifyTokenMalformedHash(t *testing.T) {
	for _, hash := range []string{
		"",
		"not-a-hash",
		"$argon2id$v=19$m=65536,t=1,p=4$invalid!base64$invalid!base64",
		"$argon2id$v=19$m=invalid,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
	} {
		valid, err := verifyToken(hash, "token")
		assert.Error(t, err, "hash: %q", hash)
		assert.False(t, valid)
	}
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hash, err := HashToken("super-secret")
	require.NoError(t, err)
	config := &APIConfig{TokenHash: hash}

	r := gin.New()
	r.Use(authMiddleware(config, nil))
	r.GET(
		"/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		},
	)

	request := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, request(""))
	assert.Equal(t, http.StatusUnauthorized, request("Bearer wrong-token"))
	assert.Equal(t, http.StatusUnauthorized, request("super-secret"))
	assert.Equal(t, http.StatusOK, request("Bearer super-secret"))
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(requestIDMiddleware())
	r.GET(
		"/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		},
	)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func TestAbortForError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for _, tc := range []struct {
		name   string
		err    error
		status int
	}{
		{"not found", ErrAssignmentNotFound, http.StatusNotFound},
		{"course not found", ErrCourseNotFound, http.StatusNotFound},
		{"conflict", ErrCourseExists, http.StatusConflict},
		{"validation", newError(ErrorKindValidation, "bad input"), http.StatusBadRequest},
		{"not pending", ErrAssignmentNotPending, http.StatusBadRequest},
		{
			"access",
			wrapError(ErrorKindAccess, "forbidden", nil),
			http.StatusBadGateway,
		},
		{
			"unknown",
			wrapError(ErrorKindPersistence, "disk full", nil),
			http.StatusInternalServerError,
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				w := httptest.NewRecorder()
				c, _ := gin.CreateTestContext(w)
				c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

				abortForError(c, tc.err)
				assert.Equal(t, tc.status, w.Code)
				assert.Contains(t, w.Body.String(), "error")
			},
		)
	}
}
