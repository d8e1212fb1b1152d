package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

type stubPinger struct{ err error }

func (s *stubPinger) Ping(context.Context) error { return s.err }

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestLiveness_AlwaysAlive(t *testing.T) {
	h := NewHandler(&stubPinger{err: errors.New("db down")}, func() bool { return false })
	if w := serve(h, "/health/liveness"); w.Code != http.StatusOK {
		t.Errorf("liveness status = %d, want 200", w.Code)
	}
}

func TestReadiness(t *testing.T) {
	cases := []struct {
		name   string
		pinger *stubPinger
		ready  bool
		want   int
	}{
		{"ready", &stubPinger{}, true, http.StatusOK},
		{"bootstrap pending", &stubPinger{}, false, http.StatusServiceUnavailable},
		{"database down", &stubPinger{err: errors.New("refused")}, true, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(tc.pinger, func() bool { return tc.ready })
			if w := serve(h, "/health/readiness"); w.Code != tc.want {
				t.Errorf("readiness status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}
