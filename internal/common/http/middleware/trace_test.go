package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	commonmw "codebattle/internal/common/http/middleware"
	"codebattle/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(commonmw.TraceContextMiddleware())
	router.GET("/trace", func(c *gin.Context) {
		ctx := c.Request.Context()
		traceID, _ := ctx.Value(contextkey.TraceID).(string)
		requestID, _ := ctx.Value(contextkey.RequestID).(string)
		c.String(http.StatusOK, traceID+"|"+requestID+"|"+c.GetString("trace_id"))
	})

	cases := []struct {
		name      string
		headers   map[string]string
		traceID   string
		requestID string
	}{
		{name: "generate ids"},
		{
			name:      "preserve incoming ids",
			headers:   map[string]string{"X-Trace-Id": "trace-123", "X-Request-Id": "req-123"},
			traceID:   "trace-123",
			requestID: "req-123",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/trace", nil)
			for key, value := range tc.headers {
				req.Header.Set(key, value)
			}
			router.ServeHTTP(rec, req)

			gotTrace := rec.Header().Get("X-Trace-Id")
			gotRequest := rec.Header().Get("X-Request-Id")
			if gotTrace == "" || gotRequest == "" {
				t.Fatalf("response must carry trace headers, got %q %q", gotTrace, gotRequest)
			}
			if tc.traceID != "" && gotTrace != tc.traceID {
				t.Fatalf("trace id = %q, want %q", gotTrace, tc.traceID)
			}
			if tc.requestID != "" && gotRequest != tc.requestID {
				t.Fatalf("request id = %q, want %q", gotRequest, tc.requestID)
			}
			if want := gotTrace + "|" + gotRequest + "|" + gotTrace; rec.Body.String() != want {
				t.Fatalf("context ids = %q, want %q", rec.Body.String(), want)
			}
		})
	}
}
