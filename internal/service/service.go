package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"farmapos/backend/internal/cache"
	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// DefaultMinStock is the low-stock threshold applied when a drug is created
// without one.
const DefaultMinStock = 10

type Service struct {
	repo     store.Repository
	alerts   cache.AlertCache
	alertTTL time.Duration
}

func New(repo store.Repository, alerts cache.AlertCache, alertTTL time.Duration) *Service {
	if alerts == nil {
		alerts = cache.NoopAlertCache{}
	}
	if alertTTL <= 0 {
		alertTTL = 30 * time.Second
	}
	return &Service{repo: repo, alerts: alerts, alertTTL: alertTTL}
}

func (s *Service) CreateDrug(ctx context.Context, req domain.DrugCreateRequest) (domain.DrugView, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RolePharmacist)
	if err != nil {
		return domain.DrugView{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.ToLower(strings.TrimSpace(req.Category))
	req.BatchNo = strings.ToUpper(strings.TrimSpace(req.BatchNo))
	if req.Name == "" || req.BatchNo == "" {
		return domain.DrugView{}, fmt.Errorf("name and batch_no are required: %w", store.ErrValidation)
	}
	if req.Quantity < 0 || req.UnitPriceCents < 0 || req.CostPriceCents < 0 {
		return domain.DrugView{}, fmt.Errorf("quantity and prices must not be negative: %w", store.ErrValidation)
	}

	expiry, err := parseFutureDate(req.ExpiryDate)
	if err != nil {
		return domain.DrugView{}, err
	}

	minStock := DefaultMinStock
	if req.MinStock != nil {
		if *req.MinStock < 0 {
			return domain.DrugView{}, fmt.Errorf("min_stock must not be negative: %w", store.ErrValidation)
		}
		minStock = *req.MinStock
	}

	created, err := s.repo.CreateDrug(ctx, domain.Drug{
		PharmacyID:     actor.PharmacyID,
		Name:           req.Name,
		Category:       req.Category,
		BatchNo:        req.BatchNo,
		Quantity:       req.Quantity,
		UnitPriceCents: req.UnitPriceCents,
		CostPriceCents: req.CostPriceCents,
		ExpiryDate:     expiry,
		Supplier:       strings.TrimSpace(req.Supplier),
		MinStock:       minStock,
		CreatedBy:      actor.Username,
	})
	if err != nil {
		return domain.DrugView{}, err
	}

	s.logAudit(ctx, actor.PharmacyID, "drug_create", "drug", created.ID,
		fmt.Sprintf("name=%s,batch=%s,qty=%d", created.Name, created.BatchNo, created.Quantity))

	return toDrugView(*created, time.Now().UTC()), nil
}

func (s *Service) GetDrug(ctx context.Context, drugID string) (domain.DrugView, error) {
	actor, err := requireScope(ctx)
	if err != nil {
		return domain.DrugView{}, err
	}

	drug, err := s.repo.GetDrug(ctx, actor.PharmacyID, drugID)
	if err != nil {
		return domain.DrugView{}, err
	}
	return toDrugView(*drug, time.Now().UTC()), nil
}

func (s *Service) ListDrugs(ctx context.Context) ([]domain.DrugView, error) {
	actor, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}

	drugs, err := s.repo.ListDrugs(ctx, actor.PharmacyID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	views := make([]domain.DrugView, 0, len(drugs))
	for _, drug := range drugs {
		views = append(views, toDrugView(drug, now))
	}
	return views, nil
}

func (s *Service) UpdateDrug(ctx context.Context, drugID string, req domain.DrugUpdateRequest) (domain.DrugView, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RolePharmacist)
	if err != nil {
		return domain.DrugView{}, err
	}

	existing, err := s.repo.GetDrug(ctx, actor.PharmacyID, drugID)
	if err != nil {
		return domain.DrugView{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.DrugView{}, fmt.Errorf("name must not be empty: %w", store.ErrValidation)
		}
		updated.Name = name
	}
	if req.Category != nil {
		updated.Category = strings.ToLower(strings.TrimSpace(*req.Category))
	}
	if req.BatchNo != nil {
		batch := strings.ToUpper(strings.TrimSpace(*req.BatchNo))
		if batch == "" {
			return domain.DrugView{}, fmt.Errorf("batch_no must not be empty: %w", store.ErrValidation)
		}
		updated.BatchNo = batch
	}
	if req.Quantity != nil {
		if *req.Quantity < 0 {
			return domain.DrugView{}, fmt.Errorf("quantity must not be negative: %w", store.ErrValidation)
		}
		updated.Quantity = *req.Quantity
	}
	if req.UnitPriceCents != nil {
		if *req.UnitPriceCents < 0 {
			return domain.DrugView{}, fmt.Errorf("unit price must not be negative: %w", store.ErrValidation)
		}
		updated.UnitPriceCents = *req.UnitPriceCents
	}
	if req.CostPriceCents != nil {
		if *req.CostPriceCents < 0 {
			return domain.DrugView{}, fmt.Errorf("cost price must not be negative: %w", store.ErrValidation)
		}
		updated.CostPriceCents = *req.CostPriceCents
	}
	if req.ExpiryDate != nil {
		expiry, err := parseFutureDate(*req.ExpiryDate)
		if err != nil {
			return domain.DrugView{}, err
		}
		updated.ExpiryDate = expiry
	}
	if req.Supplier != nil {
		updated.Supplier = strings.TrimSpace(*req.Supplier)
	}
	if req.MinStock != nil {
		if *req.MinStock < 0 {
			return domain.DrugView{}, fmt.Errorf("min_stock must not be negative: %w", store.ErrValidation)
		}
		updated.MinStock = *req.MinStock
	}

	saved, err := s.repo.UpdateDrug(ctx, updated)
	if err != nil {
		return domain.DrugView{}, err
	}

	s.logAudit(ctx, actor.PharmacyID, "drug_update", "drug", saved.ID,
		fmt.Sprintf("batch=%s,qty=%d,price=%d", saved.BatchNo, saved.Quantity, saved.UnitPriceCents))

	return toDrugView(*saved, time.Now().UTC()), nil
}

func (s *Service) DeleteDrug(ctx context.Context, drugID string) error {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RolePharmacist)
	if err != nil {
		return err
	}

	if err := s.repo.SoftDeleteDrug(ctx, actor.PharmacyID, drugID); err != nil {
		return err
	}

	s.logAudit(ctx, actor.PharmacyID, "drug_delete", "drug", drugID, "soft delete")
	return nil
}

// Alert kinds served by the filtered inventory reads.
const (
	AlertLowStock   = "low-stock"
	AlertExpired    = "expired"
	AlertNearExpiry = "near-expiry"
)

// DrugAlerts returns the pharmacy's drugs matching one alert kind. Results
// may be served from the cache; staleness within the TTL is acceptable since
// alerts are advisory.
func (s *Service) DrugAlerts(ctx context.Context, kind string) ([]domain.DrugView, error) {
	actor, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	if kind != AlertLowStock && kind != AlertExpired && kind != AlertNearExpiry {
		return nil, fmt.Errorf("unknown alert kind %q: %w", kind, store.ErrValidation)
	}

	cacheKey := "alerts:" + actor.PharmacyID + ":" + kind
	if cached, hit, err := s.alerts.Get(ctx, cacheKey); err == nil && hit {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: alert cache read failed key=%s: %v", cacheKey, err)
	}

	drugs, err := s.repo.ListDrugs(ctx, actor.PharmacyID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	matches := make([]domain.DrugView, 0, len(drugs))
	for _, drug := range drugs {
		view := toDrugView(drug, now)
		switch kind {
		case AlertLowStock:
			if view.LowStock {
				matches = append(matches, view)
			}
		case AlertExpired:
			if view.Expired {
				matches = append(matches, view)
			}
		case AlertNearExpiry:
			if view.NearExpiry {
				matches = append(matches, view)
			}
		}
	}

	if err := s.alerts.Set(ctx, cacheKey, matches, s.alertTTL); err != nil {
		log.Printf("[service] WARN: alert cache write failed key=%s: %v", cacheKey, err)
	}

	return matches, nil
}

// CreateSale is the sale transaction processor. The basket shape is checked
// here; stock sufficiency, price capture, and the atomic decrement+insert
// happen inside the repository transaction so no partial commit can ever be
// observed.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleView, error) {
	actor, err := requireScope(ctx)
	if err != nil {
		return domain.SaleView{}, err
	}

	if len(req.Items) == 0 {
		return domain.SaleView{}, fmt.Errorf("basket must not be empty: %w", store.ErrValidation)
	}

	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = domain.PaymentCash
	}
	if !isSupportedPaymentMethod(method) {
		return domain.SaleView{}, fmt.Errorf("unsupported payment method %q: %w", req.PaymentMethod, store.ErrValidation)
	}

	lines := make([]domain.SaleLine, 0, len(req.Items))
	for i, item := range req.Items {
		if strings.TrimSpace(item.DrugID) == "" {
			return domain.SaleView{}, fmt.Errorf("line %d: drug_id is required: %w", i+1, store.ErrValidation)
		}
		if item.Quantity < 1 {
			return domain.SaleView{}, fmt.Errorf("line %d: quantity must be at least 1: %w", i+1, store.ErrValidation)
		}
		lines = append(lines, domain.SaleLine{DrugID: strings.TrimSpace(item.DrugID), Quantity: item.Quantity})
	}

	// Analytics fields follow the deployment's local calendar; the stored
	// timestamp stays UTC.
	now := time.Now()
	sale := domain.Sale{
		PharmacyID:    actor.PharmacyID,
		SoldBy:        actor.Username,
		Items:         lines,
		PaymentMethod: method,
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		Status:        domain.SaleStatusCompleted,
		DayOfWeek:     now.Weekday().String(),
		Month:         now.Month().String(),
		Year:          now.Year(),
		Hour:          now.Hour(),
		CreatedAt:     now.UTC(),
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.SaleView{}, err
	}

	s.logAudit(ctx, actor.PharmacyID, "sale_create", "sale", created.ID,
		fmt.Sprintf("sale_no=%s,items=%d,total=%d,payment=%s", created.SaleNo, created.TotalItems, created.TotalCents, created.PaymentMethod))

	return s.projectSale(ctx, *created), nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleView, error) {
	actor, err := requireScope(ctx)
	if err != nil {
		return domain.SaleView{}, err
	}

	sale, err := s.repo.GetSale(ctx, actor.PharmacyID, saleID)
	if err != nil {
		return domain.SaleView{}, err
	}
	return s.projectSale(ctx, *sale), nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.SaleView, error) {
	actor, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}

	sales, err := s.repo.ListSales(ctx, actor.PharmacyID, limit)
	if err != nil {
		return nil, err
	}

	views := make([]domain.SaleView, 0, len(sales))
	for _, sale := range sales {
		views = append(views, s.projectSale(ctx, sale))
	}
	return views, nil
}

func (s *Service) UpdateSaleStatus(ctx context.Context, saleID string, status string) (domain.SaleView, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RolePharmacist)
	if err != nil {
		return domain.SaleView{}, err
	}

	status = strings.ToLower(strings.TrimSpace(status))
	if status != domain.SaleStatusCancelled && status != domain.SaleStatusRefunded {
		return domain.SaleView{}, fmt.Errorf("status must be %s or %s: %w",
			domain.SaleStatusCancelled, domain.SaleStatusRefunded, store.ErrValidation)
	}

	// Status transition only. Stock is intentionally NOT restored here;
	// restocking a cancelled or refunded sale is a separate inventory
	// operation.
	updated, err := s.repo.UpdateSaleStatus(ctx, actor.PharmacyID, saleID, status)
	if err != nil {
		return domain.SaleView{}, err
	}

	s.logAudit(ctx, actor.PharmacyID, "sale_status", "sale", updated.ID, "status="+status)

	return s.projectSale(ctx, *updated), nil
}

func (s *Service) DailySummary(ctx context.Context, date string) (domain.DailySummary, error) {
	actor, err := requireScope(ctx)
	if err != nil {
		return domain.DailySummary{}, err
	}

	day := time.Now().UTC()
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
		if err != nil {
			return domain.DailySummary{}, fmt.Errorf("date must be YYYY-MM-DD: %w", store.ErrValidation)
		}
		day = parsed
	}

	return s.repo.GetDailySummary(ctx, actor.PharmacyID, day)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, actor.PharmacyID, limit)
}

// projectSale resolves the seller reference to display fields and attaches
// formatted date/time strings. Used by every sale read path.
func (s *Service) projectSale(ctx context.Context, sale domain.Sale) domain.SaleView {
	view := domain.SaleView{
		Sale:           sale,
		SellerName:     "System",
		SellerUsername: "System",
		Date:           sale.CreatedAt.Local().Format("02 Jan 2006"),
		Time:           sale.CreatedAt.Local().Format("15:04"),
	}

	if sale.SoldBy == "" {
		return view
	}

	seller, err := s.repo.GetUserByUsername(ctx, sale.SoldBy)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[service] WARN: failed to resolve seller %s: %v", sale.SoldBy, err)
		}
		return view
	}

	view.SellerUsername = seller.Username
	fullName := strings.TrimSpace(seller.FirstName + " " + seller.LastName)
	if fullName != "" {
		view.SellerName = fullName
	} else {
		view.SellerName = seller.Username
	}
	return view
}

func (s *Service) logAudit(ctx context.Context, pharmacyID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		PharmacyID:    pharmacyID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func toDrugView(drug domain.Drug, now time.Time) domain.DrugView {
	expired := now.After(drug.ExpiryDate)
	return domain.DrugView{
		Drug:       drug,
		LowStock:   drug.Quantity <= drug.MinStock,
		Expired:    expired,
		NearExpiry: !expired && !drug.ExpiryDate.After(now.AddDate(0, 0, domain.NearExpiryWindowDays)),
	}
}

// parseFutureDate parses a YYYY-MM-DD expiry date and rejects anything not
// strictly after today.
func parseFutureDate(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("expiry_date is required: %w", store.ErrValidation)
	}
	parsed, err := time.Parse("2006-01-02", trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("expiry_date must be YYYY-MM-DD: %w", store.ErrValidation)
	}
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !parsed.After(today) {
		return time.Time{}, fmt.Errorf("expiry_date must be in the future: %w", store.ErrValidation)
	}
	return parsed, nil
}

func requireScope(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.PharmacyID == "" {
		return domain.Actor{}, fmt.Errorf("authenticated pharmacy scope required")
	}
	return actor, nil
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, err := requireScope(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%s role required", strings.Join(roles, " or "))
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentMobileMoney:
		return true
	default:
		return false
	}
}
