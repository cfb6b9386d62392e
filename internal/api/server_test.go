package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/circlepool/circlepool/internal/logging"
	"github.com/circlepool/circlepool/internal/models"
	"github.com/circlepool/circlepool/internal/service"
	"github.com/circlepool/circlepool/internal/storage"
)

// Mock services for testing

type mockReconciler struct {
	runFunc func(ctx context.Context, job service.Job) (*service.Report, error)
}

func (m *mockReconciler) Run(ctx context.Context, job service.Job) (*service.Report, error) {
	if m.runFunc != nil {
		return m.runFunc(ctx, job)
	}
	return &service.Report{
		Jobs: map[service.Job]*service.JobResult{
			service.JobStartDate: {Success: true, Processed: 1},
		},
		Success:   true,
		Timestamp: time.Now().UTC(),
	}, nil
}

type mockReports struct {
	report []byte
	err    error
}

func (m *mockReports) LastReport(ctx context.Context) ([]byte, error) {
	return m.report, m.err
}

type mockCircleReader struct {
	circles map[string]*models.Circle
	payouts []*models.Payout
}

func (m *mockCircleReader) GetCircles(ctx context.Context) ([]*models.Circle, error) {
	var out []*models.Circle
	for _, c := range m.circles {
		out = append(out, c)
	}
	return out, nil
}

func (m *mockCircleReader) GetBySlug(ctx context.Context, slug string) (*models.Circle, error) {
	if c, ok := m.circles[slug]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrCircleNotFound, slug)
}

func (m *mockCircleReader) ListPayouts(ctx context.Context, circleID string, limit int) ([]*models.Payout, error) {
	return m.payouts, nil
}

type mockPaymentReader struct {
	payments []*models.Payment
}

func (m *mockPaymentReader) ListByCircle(ctx context.Context, circleID string, limit int) ([]*models.Payment, error) {
	return m.payments, nil
}

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.err
}

func newTestServer(rec ReconcilerInterface, reports ReportSource, circles CircleReader, payments PaymentReader) *Server {
	if rec == nil {
		rec = &mockReconciler{}
	}
	if reports == nil {
		reports = &mockReports{}
	}
	if circles == nil {
		circles = &mockCircleReader{circles: map[string]*models.Circle{}}
	}
	if payments == nil {
		payments = &mockPaymentReader{}
	}

	return NewServer(
		&ServerConfig{Host: "127.0.0.1", Port: "0"},
		rec,
		reports,
		circles,
		payments,
		&mockPinger{},
		&mockPinger{},
		logging.New(logging.LevelFatal, logging.FormatText),
	)
}

func TestHandleRunJob(t *testing.T) {
	var gotJob service.Job
	rec := &mockReconciler{
		runFunc: func(ctx context.Context, job service.Job) (*service.Report, error) {
			gotJob = job
			return &service.Report{Success: true, Jobs: map[service.Job]*service.JobResult{}}, nil
		},
	}
	server := newTestServer(rec, nil, nil, nil)

	req := httptest.NewRequest("POST", "/api/jobs/run?job=paydate", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotJob != service.JobPayDate {
		t.Errorf("job = %q, want paydate", gotJob)
	}

	var report service.Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if !report.Success {
		t.Error("expected a successful report")
	}
}

func TestHandleRunJob_DefaultsToAll(t *testing.T) {
	var gotJob service.Job
	rec := &mockReconciler{
		runFunc: func(ctx context.Context, job service.Job) (*service.Report, error) {
			gotJob = job
			return &service.Report{Jobs: map[service.Job]*service.JobResult{}}, nil
		},
	}
	server := newTestServer(rec, nil, nil, nil)

	req := httptest.NewRequest("POST", "/api/jobs/run", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotJob != service.JobAll {
		t.Errorf("job = %q, want all", gotJob)
	}
}

func TestHandleRunJob_InvalidSelector(t *testing.T) {
	server := newTestServer(nil, nil, nil, nil)

	req := httptest.NewRequest("POST", "/api/jobs/run?job=bogus", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleRunJob_LockHeldConflicts(t *testing.T) {
	rec := &mockReconciler{
		runFunc: func(ctx context.Context, job service.Job) (*service.Report, error) {
			return nil, storage.ErrLockHeld
		},
	}
	server := newTestServer(rec, nil, nil, nil)

	req := httptest.NewRequest("POST", "/api/jobs/run", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if resp.Error.Code != ErrCodeRunInProgress {
		t.Errorf("error code = %q", resp.Error.Code)
	}
}

func TestHandleLastReport(t *testing.T) {
	reports := &mockReports{report: []byte(`{"success":true}`)}
	server := newTestServer(nil, reports, nil, nil)

	req := httptest.NewRequest("GET", "/api/jobs/last", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != `{"success":true}` {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHandleLastReport_NoneRecorded(t *testing.T) {
	server := newTestServer(nil, &mockReports{}, nil, nil)

	req := httptest.NewRequest("GET", "/api/jobs/last", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleGetCircle(t *testing.T) {
	circles := &mockCircleReader{circles: map[string]*models.Circle{
		"nairobi-12": {ID: "uuid-1", Slug: "nairobi-12", Name: "Nairobi 12", Started: true},
	}}
	server := newTestServer(nil, nil, circles, nil)

	req := httptest.NewRequest("GET", "/api/circles/nairobi-12", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var circle models.Circle
	if err := json.NewDecoder(w.Body).Decode(&circle); err != nil {
		t.Fatalf("failed to decode circle: %v", err)
	}
	if circle.Slug != "nairobi-12" {
		t.Errorf("slug = %q", circle.Slug)
	}
}

func TestHandleGetCircle_NotFound(t *testing.T) {
	server := newTestServer(nil, nil, nil, nil)

	req := httptest.NewRequest("GET", "/api/circles/nope", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleListPayments(t *testing.T) {
	circles := &mockCircleReader{circles: map[string]*models.Circle{
		"nairobi-12": {ID: "uuid-1", Slug: "nairobi-12"},
	}}
	payments := &mockPaymentReader{payments: []*models.Payment{
		{ID: "p1", CircleID: "uuid-1", ChainPaymentID: 9, AmountTinybar: 100},
	}}
	server := newTestServer(nil, nil, circles, payments)

	req := httptest.NewRequest("GET", "/api/circles/nairobi-12/payments", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Circle   string            `json:"circle"`
		Payments []*models.Payment `json:"payments"`
		Count    int               `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Count != 1 || len(body.Payments) != 1 {
		t.Errorf("unexpected payload: %+v", body)
	}
}

func TestHandleHealth(t *testing.T) {
	server := newTestServer(nil, nil, nil, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandleHealth_DegradedOnStoreFailure(t *testing.T) {
	server := NewServer(
		&ServerConfig{Host: "127.0.0.1", Port: "0"},
		&mockReconciler{},
		&mockReports{},
		&mockCircleReader{circles: map[string]*models.Circle{}},
		&mockPaymentReader{},
		&mockPinger{err: errors.New("connection refused")},
		&mockPinger{},
		logging.New(logging.LevelFatal, logging.FormatText),
	)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", defaultListLimit},
		{"limit=10", 10},
		{"limit=0", defaultListLimit},
		{"limit=-5", defaultListLimit},
		{"limit=5000", defaultListLimit},
		{"limit=abc", defaultListLimit},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/api/circles?"+tt.query, nil)
		if got := parseLimit(req); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
