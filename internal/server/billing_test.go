package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	subscriptiondomain "github.com/orinchat/billing/internal/subscription/domain"
)

func apiRequest(s *Server, method, target, body, userID, userRole string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, reader)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if userRole != "" {
		req.Header.Set("X-User-Role", userRole)
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestAPIRequiresUserHeader(t *testing.T) {
	s := newTestServer(t, &fakeSubscriptionService{}, &fakeReconciler{})

	w := apiRequest(s, http.MethodGet, "/api/billing/subscription", "", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	var body errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Type != "unauthorized" {
		t.Errorf("error type = %q, want unauthorized", body.Error.Type)
	}
}

func TestGetSubscription(t *testing.T) {
	end := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	svc := &fakeSubscriptionService{
		record: &subscriptiondomain.SubscriptionRecord{
			UserID:            "user_1",
			Tier:              subscriptiondomain.TierPremium,
			Status:            subscriptiondomain.StatusActive,
			EndDate:           &end,
			CancelAtPeriodEnd: false,
		},
	}
	s := newTestServer(t, svc, &fakeReconciler{})

	w := apiRequest(s, http.MethodGet, "/api/billing/subscription", "", "user_1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body subscriptionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Tier != "premium" || body.Status != "active" {
		t.Errorf("body = %+v", body)
	}
	if body.EndDate == nil || !body.EndDate.Equal(end) {
		t.Errorf("end date = %v, want %v", body.EndDate, end)
	}
}

func TestGetSubscriptionDefaultsToFree(t *testing.T) {
	s := newTestServer(t, &fakeSubscriptionService{}, &fakeReconciler{})

	w := apiRequest(s, http.MethodGet, "/api/billing/subscription", "", "user_1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body subscriptionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Tier != "free" || body.Status != "none" {
		t.Errorf("body = %+v", body)
	}
}

func TestCheckAccessEndpoint(t *testing.T) {
	svc := &fakeSubscriptionService{allowed: true}
	s := newTestServer(t, svc, &fakeReconciler{})

	w := apiRequest(s, http.MethodGet, "/api/billing/access?feature=advanced_models", "", "user_1", "admin")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Feature string `json:"feature"`
		Allowed bool   `json:"allowed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Feature != "advanced_models" || !body.Allowed {
		t.Errorf("body = %+v", body)
	}

	if svc.lastAccessReq.UserID != "user_1" || svc.lastAccessReq.Feature != "advanced_models" {
		t.Errorf("service request = %+v", svc.lastAccessReq)
	}
	if !svc.lastAccessReq.IsAdmin {
		t.Error("admin role header should set IsAdmin")
	}
}

func TestCheckAccessRequiresFeature(t *testing.T) {
	s := newTestServer(t, &fakeSubscriptionService{}, &fakeReconciler{})

	w := apiRequest(s, http.MethodGet, "/api/billing/access", "", "user_1", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCreateCheckoutSessionEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeSubscriptionService{}, &fakeReconciler{})

	w := apiRequest(s, http.MethodPost, "/api/billing/checkout", `{"price_id":"price_premium"}`, "user_1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var body subscriptiondomain.CreateCheckoutSessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.SessionID == "" || body.URL == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestCreateCheckoutSessionValidatesPrice(t *testing.T) {
	s := newTestServer(t, &fakeSubscriptionService{}, &fakeReconciler{})

	w := apiRequest(s, http.MethodPost, "/api/billing/checkout", `{}`, "user_1", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCancelSubscriptionEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeSubscriptionService{}, &fakeReconciler{})

	w := apiRequest(s, http.MethodPost, "/api/billing/cancel", "", "user_1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "cancellation_scheduled" {
		t.Errorf("body = %+v", body)
	}
}

func TestCancelSubscriptionWithoutActiveReturns404(t *testing.T) {
	svc := &fakeSubscriptionService{cancelErr: subscriptiondomain.ErrNoActiveSubscription}
	s := newTestServer(t, svc, &fakeReconciler{})

	w := apiRequest(s, http.MethodPost, "/api/billing/cancel", "", "user_1", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	var body errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Type != "not_found" {
		t.Errorf("error type = %q, want not_found", body.Error.Type)
	}
}

func TestCreatePortalSessionEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeSubscriptionService{}, &fakeReconciler{})

	w := apiRequest(s, http.MethodPost, "/api/billing/portal", "", "user_1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body subscriptiondomain.CreatePortalSessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.URL == "" {
		t.Errorf("body = %+v", body)
	}
}
