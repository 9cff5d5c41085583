package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"farmapos/backend/internal/cache"
	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/service"
	"farmapos/backend/internal/store/memory"
)

// newTestAPI builds a full API with a seeded in-memory store, real
// AuthManager and real Service so handler tests exercise the complete
// request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopAlertCache{}, time.Second)
	auth := NewAuthManager(repo, "test-secret-key", time.Hour)

	return New(svc, auth, "*")
}

func loginToken(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = fmt.Sprintf("10.0.%d.1:5000", time.Now().UnixNano()%250)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}

	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return body.AccessToken
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	// The limiter allows 5 attempts per minute per client address; httptest
	// uses a fixed RemoteAddr, so the sixth request trips it.
	var last int
	for i := 0; i < 6; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "admin",
			"password": "badpass",
		})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on sixth attempt, got %d", last)
	}
}

func TestDrugsRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/drugs", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/drugs", "not-a-real-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", rec.Code)
	}
}

func TestCreateDrug(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	expiry := time.Now().UTC().AddDate(1, 0, 0).Format("2006-01-02")
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/drugs", token, domain.DrugCreateRequest{
		Name:           "Omeprazole 20mg",
		Category:       "antacid",
		BatchNo:        "OMP-4410",
		Quantity:       80,
		UnitPriceCents: 900,
		CostPriceCents: 500,
		ExpiryDate:     expiry,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// Same batch again conflicts.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/drugs", token, domain.DrugCreateRequest{
		Name:       "Omeprazole 40mg",
		BatchNo:    "OMP-4410",
		Quantity:   10,
		ExpiryDate: expiry,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate batch, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// Past expiry is a validation error.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/drugs", token, domain.DrugCreateRequest{
		Name:       "Expired Syrup",
		BatchNo:    "EXP-0001",
		Quantity:   10,
		ExpiryDate: "2020-01-01",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for past expiry, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCreateDrug_CashierForbidden(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/drugs", token, domain.DrugCreateRequest{
		Name:       "Omeprazole 20mg",
		BatchNo:    "OMP-4410",
		Quantity:   80,
		ExpiryDate: time.Now().UTC().AddDate(1, 0, 0).Format("2006-01-02"),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestGetDrug_NotFound(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/drugs/does-not-exist", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func firstDrugID(t *testing.T, handler http.Handler, token string) string {
	t.Helper()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/drugs", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list drugs: expected 200, got %d", rec.Code)
	}
	var body struct {
		Drugs []domain.DrugView `json:"drugs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode drugs: %v", err)
	}
	if len(body.Drugs) == 0 {
		t.Fatal("expected seeded drugs")
	}
	return body.Drugs[0].ID
}

func TestCreateSale(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")
	drugID := firstDrugID(t, handler, token)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{
		Items:         []domain.SaleItemRequest{{DrugID: drugID, Quantity: 2}},
		PaymentMethod: domain.PaymentMobileMoney,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Sale domain.SaleView `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if body.Sale.SaleNo != "SL0001" {
		t.Fatalf("expected sale_no SL0001, got %s", body.Sale.SaleNo)
	}
	if body.Sale.SellerName != "Kofi Mensah" {
		t.Fatalf("expected resolved seller name, got %q", body.Sale.SellerName)
	}

	// Read it back through the single-sale endpoint.
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/"+body.Sale.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get sale: expected 200, got %d", rec.Code)
	}
}

func TestCreateSale_Errors(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")
	drugID := firstDrugID(t, handler, token)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty basket, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{{DrugID: drugID, Quantity: 1_000_000}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient stock, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{{DrugID: "missing", Quantity: 1}},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown drug, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestSaleStatusEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginToken(t, handler, "admin", "admin123")
	drugID := firstDrugID(t, handler, admin)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", admin, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{{DrugID: drugID, Quantity: 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: expected 201, got %d", rec.Code)
	}
	var created struct {
		Sale domain.SaleView `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode sale: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPatch, "/api/v1/sales/"+created.Sale.ID+"/status", admin,
		domain.SaleStatusRequest{Status: domain.SaleStatusRefunded})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// A second transition is rejected.
	rec = doJSON(t, handler, http.MethodPatch, "/api/v1/sales/"+created.Sale.ID+"/status", admin,
		domain.SaleStatusRequest{Status: domain.SaleStatusCancelled})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 transitioning twice, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestAlertsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/alerts/low-stock", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/alerts/bogus", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown alert kind, got %d", rec.Code)
	}
}

func TestDailySummaryEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")
	drugID := firstDrugID(t, handler, token)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{{DrugID: drugID, Quantity: 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: expected 201, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/reports/daily", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var summary domain.DailySummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Sales != 1 {
		t.Fatalf("expected 1 sale in summary, got %d", summary.Sales)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/reports/daily?date=not-a-date", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rec.Code)
	}
}

func TestOperatorEndpoints(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginToken(t, handler, "admin", "admin123")
	cashier := loginToken(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/users/operators", cashier, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users/operators", admin, domain.OperatorCreateRequest{
		Username:  "fatima",
		Password:  "longenough1",
		FirstName: "Fatima",
		LastName:  "Sow",
		Role:      domain.RolePharmacist,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/users/operators", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Operators []domain.OperatorUser `json:"operators"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode operators: %v", err)
	}
	if len(body.Operators) != 3 {
		t.Fatalf("expected 3 operators (2 seeded + 1 created), got %d", len(body.Operators))
	}
}

func TestAuditLogEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginToken(t, handler, "admin", "admin123")
	drugID := firstDrugID(t, handler, admin)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", admin, domain.SaleCreateRequest{
		Items: []domain.SaleItemRequest{{DrugID: drugID, Quantity: 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: expected 201, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Logs []domain.AuditLog `json:"logs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(body.Logs) == 0 {
		t.Fatal("expected at least one audit entry")
	}
}

func TestSecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected nosniff header, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected DENY header, got %q", got)
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/drugs", nil)
	pre := httptest.NewRecorder()
	handler.ServeHTTP(pre, req)
	if pre.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", pre.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodDelete, "/api/v1/sales", token, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
