package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping() error { return p.err }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name      string
		queue     Pinger
		wantCode  int
		wantOK    bool
		wantQueue *bool
	}{
		{"no probes attached", nil, http.StatusOK, true, nil},
		{"queue up", stubPinger{}, http.StatusOK, true, boolPtr(true)},
		{"queue down", stubPinger{err: errors.New("nsqd unreachable")}, http.StatusServiceUnavailable, false, boolPtr(false)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HTTPHandler(nil, tt.queue)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var st Status
			if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if st.OK != tt.wantOK {
				t.Errorf("ok = %v, want %v", st.OK, tt.wantOK)
			}
			if (st.Queue == nil) != (tt.wantQueue == nil) {
				t.Fatalf("queue = %v, want %v", st.Queue, tt.wantQueue)
			}
			if st.Queue != nil && *st.Queue != *tt.wantQueue {
				t.Errorf("queue = %v, want %v", *st.Queue, *tt.wantQueue)
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }
