package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"i4.energy/across/tracker/at"
	"i4.energy/across/tracker/modem"
)

func newTestServer(t *testing.T) (*Server, *MockDevice) {
	ctrl := gomock.NewController(t)
	device := NewMockDevice(ctrl)
	return &Server{
		Logger: discard,
		Modem:  device,
		Outbox: newTestOutbox(nil, 0),
	}, device
}

func TestServerStatus(t *testing.T) {
	s, device := newTestServer(t)
	ctrl := gomock.NewController(t)
	reporter := NewMockReporter(ctrl)
	s.Tracker = reporter

	device.EXPECT().Snapshot().Return(modem.Snapshot{
		State:    modem.StateReady,
		Flags:    modem.FlagSimInserted | modem.FlagGprsReady,
		Operator: "Elisa",
	})
	reporter.EXPECT().Session().Return("2024-05-01T10:00:00.000Z")
	reporter.EXPECT().Sent().Return(3)
	s.Outbox.Enqueue(SMSRequest{To: "1", Message: "queued"})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Modem struct {
			State    string `json:"state"`
			Flags    string `json:"flags"`
			Operator string `json:"operator"`
		} `json:"modem"`
		Pending int `json:"pending_sms"`
		Tracker struct {
			Session string `json:"session"`
			Sent    int    `json:"sent"`
		} `json:"tracker"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Modem.State != "ready" || body.Modem.Flags != "sim-inserted|gprs-ready" || body.Modem.Operator != "Elisa" {
		t.Errorf("unexpected modem status %+v", body.Modem)
	}
	if body.Pending != 1 || body.Tracker.Sent != 3 {
		t.Errorf("unexpected progress: pending %d, sent %d", body.Pending, body.Tracker.Sent)
	}
}

func TestServerSMS(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"queued", `{"to":"+358401234567","message":"hello"}`, http.StatusAccepted},
		{"missing message", `{"to":"+358401234567"}`, http.StatusBadRequest},
		{"bad json", `{"to":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t)
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sms", strings.NewReader(tt.body)))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body)
			}
			wantPending := 0
			if tt.wantStatus == http.StatusAccepted {
				wantPending = 1
			}
			if s.Outbox.Pending() != wantPending {
				t.Errorf("expected %d pending, got %d", wantPending, s.Outbox.Pending())
			}
		})
	}

	t.Run("GET not allowed", func(t *testing.T) {
		s, _ := newTestServer(t)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sms", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", rec.Code)
		}
	})
}

func TestServerAT(t *testing.T) {
	t.Run("Returns answer lines", func(t *testing.T) {
		s, device := newTestServer(t)
		device.EXPECT().Query(gomock.Any(), "AT+CSQ", 2*time.Second).Return([]string{"+CSQ: 18,0"}, nil)

		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/at", strings.NewReader(`{"command":"AT+CSQ","timeout_ms":2000}`)))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body struct {
			Lines  []string `json:"lines"`
			Result string   `json:"result"`
		}
		json.NewDecoder(rec.Body).Decode(&body)
		if body.Result != "OK" || len(body.Lines) != 1 || body.Lines[0] != "+CSQ: 18,0" {
			t.Errorf("unexpected answer %+v", body)
		}
	})

	t.Run("Modem error is a result", func(t *testing.T) {
		s, device := newTestServer(t)
		device.EXPECT().Query(gomock.Any(), "AT+FOO", gomock.Any()).
			Return(nil, &modem.ReplyError{Command: "AT+FOO", Reply: at.ReplyError, Line: "ERROR"})

		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/at", strings.NewReader(`{"command":"AT+FOO"}`)))

		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"result":"ERROR"`) {
			t.Errorf("expected ERROR result, got %d: %s", rec.Code, rec.Body)
		}
		if !strings.Contains(rec.Body.String(), `"lines":[]`) {
			t.Errorf("expected an empty line list, got %s", rec.Body)
		}
	})

	t.Run("Link failure", func(t *testing.T) {
		s, device := newTestServer(t)
		device.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("transport closed"))

		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/at", strings.NewReader(`{"command":"ATI"}`)))
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})

	t.Run("Rejects non AT input", func(t *testing.T) {
		s, _ := newTestServer(t)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/at", strings.NewReader(`{"command":"+++"}`)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestServerAuth(t *testing.T) {
	s, device := newTestServer(t)
	s.Token = "secret"
	device.EXPECT().Snapshot().Return(modem.Snapshot{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", rec.Code)
	}
}
