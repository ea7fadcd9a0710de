package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/surveyflow/internal/logger"
)

func TestLoggerMiddlewareCarriesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	base := logger.New(&logger.Config{Level: "info", Output: &buf})

	r := gin.New()
	r.Use(LoggerMiddleware(base, "/health"))
	r.GET("/health", func(c *gin.Context) {
		logger.FromContext(c.Request.Context()).Info("probe handled")
		assert.Same(t, logger.FromContext(c.Request.Context()), GetLogger(c))
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	// The completion line of a quiet path is logged at debug, so only the
	// handler's line is written.
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "probe handled", line["message"])
	assert.Equal(t, "req-42", line[logger.FieldRequestID])
	assert.Equal(t, "ops", line[logger.FieldComponent])
}
