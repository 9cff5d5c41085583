package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

// Store is an in-memory Repository used for dev mode and as the test double.
// A single mutex serializes writes, which trivially gives the all-or-nothing
// semantics CreateSale requires.
type Store struct {
	mu              sync.RWMutex
	drugsByID       map[string]domain.Drug
	salesByID       map[string]domain.Sale
	counters        map[string]int64
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		drugsByID:       make(map[string]domain.Drug),
		salesByID:       make(map[string]domain.Sale),
		counters:        make(map[string]int64),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with demo pharmacy accounts and a
// small drug inventory. Seed credentials come from SEED_ADMIN_PASSWORD and
// SEED_CASHIER_PASSWORD; dev defaults are used (with a warning) when unset.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	for _, u := range []struct {
		username  string
		password  string
		firstName string
		lastName  string
		role      string
		pharmacy  string
	}{
		{"admin", adminPwd, "Amina", "Diallo", domain.RoleAdmin, "pharmacy-central"},
		{"cashier", cashierPwd, "Kofi", "Mensah", domain.RoleCashier, "pharmacy-central"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		s.usersByUsername[u.username] = domain.UserAccount{
			ID:         xid.New("user"),
			Username:   u.username,
			Password:   string(hash),
			FirstName:  u.firstName,
			LastName:   u.lastName,
			Role:       u.role,
			PharmacyID: u.pharmacy,
			Active:     true,
			CreatedAt:  now,
		}
	}

	seedDrugs := []domain.Drug{
		{Name: "Amoxicillin 500mg", Category: "antibiotic", BatchNo: "AMX-2301", Quantity: 120, UnitPriceCents: 1500, CostPriceCents: 900, Supplier: "MedSupply Ltd", MinStock: 20},
		{Name: "Paracetamol 500mg", Category: "analgesic", BatchNo: "PCM-1188", Quantity: 400, UnitPriceCents: 300, CostPriceCents: 120, Supplier: "MedSupply Ltd", MinStock: 50},
		{Name: "Ibuprofen 400mg", Category: "analgesic", BatchNo: "IBU-7720", Quantity: 200, UnitPriceCents: 450, CostPriceCents: 210, Supplier: "PharmaDirect", MinStock: 30},
		{Name: "Cetirizine 10mg", Category: "antihistamine", BatchNo: "CTZ-0915", Quantity: 150, UnitPriceCents: 600, CostPriceCents: 280, Supplier: "PharmaDirect", MinStock: 15},
		{Name: "Metformin 850mg", Category: "antidiabetic", BatchNo: "MET-5542", Quantity: 90, UnitPriceCents: 1100, CostPriceCents: 640, Supplier: "GlobalRx", MinStock: 10},
		{Name: "Oral Rehydration Salts", Category: "supplement", BatchNo: "ORS-3001", Quantity: 300, UnitPriceCents: 250, CostPriceCents: 100, Supplier: "GlobalRx", MinStock: 40},
	}
	for _, d := range seedDrugs {
		d.ID = xid.New("drug")
		d.PharmacyID = "pharmacy-central"
		d.ExpiryDate = dateOnly(now.AddDate(1, 0, 0))
		d.Active = true
		d.CreatedBy = "admin"
		d.CreatedAt = now
		d.UpdatedAt = now
		s.drugsByID[d.ID] = d
	}

	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateDrug(_ context.Context, drug domain.Drug) (*domain.Drug, error) {
	if drug.PharmacyID == "" || drug.Name == "" || drug.BatchNo == "" {
		return nil, store.ErrValidation
	}
	if drug.Quantity < 0 || drug.UnitPriceCents < 0 || drug.CostPriceCents < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.drugsByID {
		if existing.Active && existing.PharmacyID == drug.PharmacyID && existing.BatchNo == drug.BatchNo {
			return nil, fmt.Errorf("batch %s: %w", drug.BatchNo, store.ErrDuplicateBatch)
		}
	}

	if drug.ID == "" {
		drug.ID = xid.New("drug")
	}
	if drug.CreatedAt.IsZero() {
		drug.CreatedAt = time.Now().UTC()
	}
	drug.UpdatedAt = drug.CreatedAt
	drug.Active = true

	s.drugsByID[drug.ID] = drug
	created := drug
	return &created, nil
}

func (s *Store) GetDrug(_ context.Context, pharmacyID string, drugID string) (*domain.Drug, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	drug, ok := s.drugsByID[drugID]
	if !ok || !drug.Active || drug.PharmacyID != pharmacyID {
		return nil, store.ErrNotFound
	}
	found := drug
	return &found, nil
}

func (s *Store) ListDrugs(_ context.Context, pharmacyID string) ([]domain.Drug, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	drugs := make([]domain.Drug, 0, len(s.drugsByID))
	for _, drug := range s.drugsByID {
		if drug.Active && drug.PharmacyID == pharmacyID {
			drugs = append(drugs, drug)
		}
	}
	sort.Slice(drugs, func(i, j int) bool {
		if drugs[i].Category != drugs[j].Category {
			return drugs[i].Category < drugs[j].Category
		}
		if drugs[i].Name != drugs[j].Name {
			return drugs[i].Name < drugs[j].Name
		}
		return drugs[i].BatchNo < drugs[j].BatchNo
	})
	return drugs, nil
}

func (s *Store) UpdateDrug(_ context.Context, drug domain.Drug) (*domain.Drug, error) {
	if drug.PharmacyID == "" || drug.ID == "" || drug.Name == "" || drug.BatchNo == "" {
		return nil, store.ErrValidation
	}
	if drug.Quantity < 0 || drug.UnitPriceCents < 0 || drug.CostPriceCents < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.drugsByID[drug.ID]
	if !ok || !existing.Active || existing.PharmacyID != drug.PharmacyID {
		return nil, store.ErrNotFound
	}
	for _, other := range s.drugsByID {
		if other.ID != drug.ID && other.Active && other.PharmacyID == drug.PharmacyID && other.BatchNo == drug.BatchNo {
			return nil, fmt.Errorf("batch %s: %w", drug.BatchNo, store.ErrDuplicateBatch)
		}
	}

	drug.Active = true
	drug.CreatedBy = existing.CreatedBy
	drug.CreatedAt = existing.CreatedAt
	drug.UpdatedAt = time.Now().UTC()
	s.drugsByID[drug.ID] = drug

	updated := drug
	return &updated, nil
}

func (s *Store) SoftDeleteDrug(_ context.Context, pharmacyID string, drugID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drug, ok := s.drugsByID[drugID]
	if !ok || !drug.Active || drug.PharmacyID != pharmacyID {
		return store.ErrNotFound
	}
	drug.Active = false
	drug.UpdatedAt = time.Now().UTC()
	s.drugsByID[drugID] = drug
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.PharmacyID == "" || len(sale.Items) == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validation phase: nothing is mutated until every line checks out.
	requested := make(map[string]int, len(sale.Items))
	lines := make([]domain.SaleLine, 0, len(sale.Items))
	for i, item := range sale.Items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("line %d: quantity must be at least 1: %w", i+1, store.ErrValidation)
		}

		drug, ok := s.drugsByID[item.DrugID]
		if !ok || !drug.Active || drug.PharmacyID != sale.PharmacyID {
			return nil, fmt.Errorf("line %d: drug %s: %w", i+1, item.DrugID, store.ErrNotFound)
		}

		needed := requested[drug.ID] + item.Quantity
		if drug.Quantity < needed {
			return nil, fmt.Errorf("line %d: %s (batch %s): available %d, requested %d: %w",
				i+1, drug.Name, drug.BatchNo, drug.Quantity, needed, store.ErrInsufficientStock)
		}
		requested[drug.ID] = needed

		lineTotal := drug.UnitPriceCents * int64(item.Quantity)
		lineCost := drug.CostPriceCents * int64(item.Quantity)
		lines = append(lines, domain.SaleLine{
			DrugID:         drug.ID,
			DrugName:       drug.Name,
			BatchNo:        drug.BatchNo,
			Category:       drug.Category,
			Quantity:       item.Quantity,
			UnitPriceCents: drug.UnitPriceCents,
			TotalCents:     lineTotal,
			CostCents:      lineCost,
			ProfitCents:    lineTotal - lineCost,
		})
	}

	// Commit phase.
	now := time.Now().UTC()
	for drugID, qty := range requested {
		drug := s.drugsByID[drugID]
		drug.Quantity -= qty
		drug.UpdatedAt = now
		s.drugsByID[drugID] = drug
	}

	counterKey := "sale_no:" + sale.PharmacyID
	s.counters[counterKey]++
	sale.SaleNo = fmt.Sprintf("SL%04d", s.counters[counterKey])

	sale.Items = lines
	sale.TotalItems = 0
	sale.TotalCents = 0
	sale.CostCents = 0
	for _, line := range lines {
		sale.TotalItems += line.Quantity
		sale.TotalCents += line.TotalCents
		sale.CostCents += line.CostCents
	}
	sale.ProfitCents = sale.TotalCents - sale.CostCents
	if sale.TotalCents > 0 {
		sale.ProfitMargin = float64(sale.ProfitCents) / float64(sale.TotalCents) * 100
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}

	s.salesByID[sale.ID] = sale
	created := sale
	return &created, nil
}

func (s *Store) GetSale(_ context.Context, pharmacyID string, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok || sale.PharmacyID != pharmacyID {
		return nil, store.ErrNotFound
	}
	found := sale
	return &found, nil
}

func (s *Store) ListSales(_ context.Context, pharmacyID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, limit)
	for _, sale := range s.salesByID {
		if sale.PharmacyID == pharmacyID {
			sales = append(sales, sale)
		}
	}
	sort.Slice(sales, func(i, j int) bool {
		if !sales[i].CreatedAt.Equal(sales[j].CreatedAt) {
			return sales[i].CreatedAt.After(sales[j].CreatedAt)
		}
		return sales[i].SaleNo > sales[j].SaleNo
	})
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) UpdateSaleStatus(_ context.Context, pharmacyID string, saleID string, status string) (*domain.Sale, error) {
	if status != domain.SaleStatusCancelled && status != domain.SaleStatusRefunded {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok || sale.PharmacyID != pharmacyID {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, fmt.Errorf("sale is %s: %w", sale.Status, store.ErrValidation)
	}

	sale.Status = status
	s.salesByID[saleID] = sale
	updated := sale
	return &updated, nil
}

func (s *Store) GetDailySummary(_ context.Context, pharmacyID string, day time.Time) (domain.DailySummary, error) {
	from := dateOnly(day)
	to := from.Add(24 * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.DailySummary{
		PharmacyID: pharmacyID,
		Date:       from.Format("2006-01-02"),
		ByPayment:  []domain.DailySummaryPayment{},
	}
	byPayment := make(map[string]*domain.DailySummaryPayment)

	for _, sale := range s.salesByID {
		if sale.PharmacyID != pharmacyID || sale.Status != domain.SaleStatusCompleted {
			continue
		}
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		summary.Sales++
		summary.TotalCents += sale.TotalCents
		summary.CostCents += sale.CostCents
		summary.ProfitCents += sale.ProfitCents
		summary.TotalItems += int64(sale.TotalItems)

		entry, ok := byPayment[sale.PaymentMethod]
		if !ok {
			entry = &domain.DailySummaryPayment{PaymentMethod: sale.PaymentMethod}
			byPayment[sale.PaymentMethod] = entry
		}
		entry.Sales++
		entry.TotalCents += sale.TotalCents
	}

	methods := make([]string, 0, len(byPayment))
	for method := range byPayment {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	for _, method := range methods {
		summary.ByPayment = append(summary.ByPayment, *byPayment[method])
	}

	return summary, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, pharmacyID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		if s.auditLogs[i].PharmacyID == pharmacyID {
			logs = append(logs, s.auditLogs[i])
		}
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("username %s: %w", user.Username, store.ErrValidation)
	}
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := user
	return &found, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
