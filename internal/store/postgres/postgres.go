package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const drugColumns = `id, pharmacy_id, name, category, batch_no, quantity,
	unit_price_cents, cost_price_cents, expiry_date, supplier, min_stock,
	active, created_by, created_at, updated_at`

func (s *Store) CreateDrug(ctx context.Context, drug domain.Drug) (*domain.Drug, error) {
	if drug.PharmacyID == "" || drug.Name == "" || drug.BatchNo == "" {
		return nil, store.ErrValidation
	}
	if drug.Quantity < 0 || drug.UnitPriceCents < 0 || drug.CostPriceCents < 0 {
		return nil, store.ErrValidation
	}

	if drug.ID == "" {
		drug.ID = xid.New("drug")
	}
	if drug.CreatedAt.IsZero() {
		drug.CreatedAt = time.Now().UTC()
	}
	drug.UpdatedAt = drug.CreatedAt
	drug.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drugs (id, pharmacy_id, name, category, batch_no, quantity,
			unit_price_cents, cost_price_cents, expiry_date, supplier, min_stock,
			active, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, drug.ID, drug.PharmacyID, drug.Name, drug.Category, drug.BatchNo, drug.Quantity,
		drug.UnitPriceCents, drug.CostPriceCents, dateOnly(drug.ExpiryDate), nullIfEmpty(drug.Supplier),
		drug.MinStock, drug.Active, nullIfEmpty(drug.CreatedBy), drug.CreatedAt, drug.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("batch %s: %w", drug.BatchNo, store.ErrDuplicateBatch)
		}
		return nil, err
	}

	created := drug
	return &created, nil
}

func (s *Store) GetDrug(ctx context.Context, pharmacyID string, drugID string) (*domain.Drug, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+drugColumns+`
		FROM drugs
		WHERE pharmacy_id = $1 AND id = $2 AND active = true
	`, pharmacyID, drugID)

	drug, err := scanDrug(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return drug, nil
}

func (s *Store) ListDrugs(ctx context.Context, pharmacyID string) ([]domain.Drug, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+drugColumns+`
		FROM drugs
		WHERE pharmacy_id = $1 AND active = true
		ORDER BY category, name, batch_no
	`, pharmacyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drugs := make([]domain.Drug, 0, 64)
	for rows.Next() {
		drug, err := scanDrug(rows)
		if err != nil {
			return nil, err
		}
		drugs = append(drugs, *drug)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return drugs, nil
}

func (s *Store) UpdateDrug(ctx context.Context, drug domain.Drug) (*domain.Drug, error) {
	if drug.PharmacyID == "" || drug.ID == "" || drug.Name == "" || drug.BatchNo == "" {
		return nil, store.ErrValidation
	}
	if drug.Quantity < 0 || drug.UnitPriceCents < 0 || drug.CostPriceCents < 0 {
		return nil, store.ErrValidation
	}

	drug.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE drugs
		SET name = $3, category = $4, batch_no = $5, quantity = $6,
			unit_price_cents = $7, cost_price_cents = $8, expiry_date = $9,
			supplier = $10, min_stock = $11, updated_at = $12
		WHERE pharmacy_id = $1 AND id = $2 AND active = true
	`, drug.PharmacyID, drug.ID, drug.Name, drug.Category, drug.BatchNo, drug.Quantity,
		drug.UnitPriceCents, drug.CostPriceCents, dateOnly(drug.ExpiryDate),
		nullIfEmpty(drug.Supplier), drug.MinStock, drug.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("batch %s: %w", drug.BatchNo, store.ErrDuplicateBatch)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := drug
	updated.Active = true
	return &updated, nil
}

func (s *Store) SoftDeleteDrug(ctx context.Context, pharmacyID string, drugID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drugs
		SET active = false, updated_at = now()
		WHERE pharmacy_id = $1 AND id = $2 AND active = true
	`, pharmacyID, drugID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateSale runs the whole sale as one serializable transaction:
// every requested drug row is locked and validated before any stock is
// touched, then all decrements are applied as conditional updates and the
// sale record is inserted with a counter-derived sale number. Any failure
// rolls the entire transaction back.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.PharmacyID == "" || len(sale.Items) == 0 {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Validation phase: lock and check every line before mutating anything.
	// requested accumulates quantities per drug so a basket repeating the same
	// drug is checked against the combined demand.
	requested := make(map[string]int, len(sale.Items))
	lines := make([]domain.SaleLine, 0, len(sale.Items))
	for i, item := range sale.Items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("line %d: quantity must be at least 1: %w", i+1, store.ErrValidation)
		}

		var drug domain.Drug
		err := pgTx.QueryRowContext(ctx, `
			SELECT id, name, category, batch_no, quantity, unit_price_cents, cost_price_cents
			FROM drugs
			WHERE pharmacy_id = $1 AND id = $2 AND active = true
			FOR UPDATE
		`, sale.PharmacyID, item.DrugID).Scan(&drug.ID, &drug.Name, &drug.Category,
			&drug.BatchNo, &drug.Quantity, &drug.UnitPriceCents, &drug.CostPriceCents)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("line %d: drug %s: %w", i+1, item.DrugID, store.ErrNotFound)
			}
			return nil, err
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

	// Commit phase: conditional decrements. The rows are already locked, so
	// zero affected rows here means the guard caught a quantity the
	// validation phase would have rejected; fail the whole transaction.
	for drugID, qty := range requested {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE drugs
			SET quantity = quantity - $3, updated_at = now()
			WHERE pharmacy_id = $1 AND id = $2 AND quantity >= $3
		`, sale.PharmacyID, drugID, qty)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, fmt.Errorf("drug %s: %w", drugID, store.ErrInsufficientStock)
		}
	}

	var ordinal int64
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO counters (key, value)
		VALUES ($1, 1)
		ON CONFLICT (key)
		DO UPDATE SET value = counters.value + 1
		RETURNING value
	`, "sale_no:"+sale.PharmacyID).Scan(&ordinal)
	if err != nil {
		return nil, err
	}
	sale.SaleNo = fmt.Sprintf("SL%04d", ordinal)

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
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}

	itemsJSON, err := json.Marshal(sale.Items)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, sale_no, pharmacy_id, sold_by, items, total_items,
			total_cents, cost_cents, profit_cents, profit_margin, payment_method,
			customer_name, customer_phone, status, day_of_week, month, year, hour, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, sale.ID, sale.SaleNo, sale.PharmacyID, nullIfEmpty(sale.SoldBy), itemsJSON,
		sale.TotalItems, sale.TotalCents, sale.CostCents, sale.ProfitCents, sale.ProfitMargin,
		sale.PaymentMethod, nullIfEmpty(sale.CustomerName), nullIfEmpty(sale.CustomerPhone),
		sale.Status, sale.DayOfWeek, sale.Month, sale.Year, sale.Hour, sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return &sale, nil
}

const saleColumns = `id, sale_no, pharmacy_id, COALESCE(sold_by,''), items,
	total_items, total_cents, cost_cents, profit_cents, profit_margin,
	payment_method, COALESCE(customer_name,''), COALESCE(customer_phone,''),
	status, day_of_week, month, year, hour, created_at`

func (s *Store) GetSale(ctx context.Context, pharmacyID string, saleID string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE pharmacy_id = $1 AND id = $2
	`, pharmacyID, saleID)

	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, pharmacyID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE pharmacy_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, pharmacyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) UpdateSaleStatus(ctx context.Context, pharmacyID string, saleID string, status string) (*domain.Sale, error) {
	if status != domain.SaleStatusCancelled && status != domain.SaleStatusRefunded {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var current string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status
		FROM sales
		WHERE pharmacy_id = $1 AND id = $2
		FOR UPDATE
	`, pharmacyID, saleID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if current != domain.SaleStatusCompleted {
		return nil, fmt.Errorf("sale is %s: %w", current, store.ErrValidation)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET status = $3
		WHERE pharmacy_id = $1 AND id = $2
	`, pharmacyID, saleID, status)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return s.GetSale(ctx, pharmacyID, saleID)
}

func (s *Store) GetDailySummary(ctx context.Context, pharmacyID string, day time.Time) (domain.DailySummary, error) {
	from := dateOnly(day)
	to := from.Add(24 * time.Hour)

	summary := domain.DailySummary{
		PharmacyID: pharmacyID,
		Date:       from.Format("2006-01-02"),
		ByPayment:  []domain.DailySummaryPayment{},
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_cents),0), COALESCE(SUM(cost_cents),0),
			COALESCE(SUM(profit_cents),0), COALESCE(SUM(total_items),0)
		FROM sales
		WHERE pharmacy_id = $1 AND status = $2 AND created_at >= $3 AND created_at < $4
	`, pharmacyID, domain.SaleStatusCompleted, from, to).Scan(
		&summary.Sales, &summary.TotalCents, &summary.CostCents, &summary.ProfitCents, &summary.TotalItems)
	if err != nil {
		return domain.DailySummary{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COUNT(*), COALESCE(SUM(total_cents),0)
		FROM sales
		WHERE pharmacy_id = $1 AND status = $2 AND created_at >= $3 AND created_at < $4
		GROUP BY payment_method
		ORDER BY payment_method
	`, pharmacyID, domain.SaleStatusCompleted, from, to)
	if err != nil {
		return domain.DailySummary{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry domain.DailySummaryPayment
		if err := rows.Scan(&entry.PaymentMethod, &entry.Sales, &entry.TotalCents); err != nil {
			return domain.DailySummary{}, err
		}
		summary.ByPayment = append(summary.ByPayment, entry)
	}
	if err := rows.Err(); err != nil {
		return domain.DailySummary{}, err
	}

	return summary, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, pharmacy_id, actor_username, actor_role, action,
			entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.PharmacyID, entry.ActorUsername, entry.ActorRole, entry.Action,
		entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, pharmacyID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pharmacy_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE pharmacy_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, pharmacyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.PharmacyID, &entry.ActorUsername, &entry.ActorRole,
			&entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password, first_name, last_name, role, pharmacy_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, user.ID, user.Username, user.Password, nullIfEmpty(user.FirstName), nullIfEmpty(user.LastName),
		user.Role, nullIfEmpty(user.PharmacyID), user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("username %s: %w", user.Username, store.ErrValidation)
	}
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password, COALESCE(first_name,''), COALESCE(last_name,''),
			role, COALESCE(pharmacy_id,''), active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.Password, &user.FirstName, &user.LastName,
		&user.Role, &user.PharmacyID, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password, COALESCE(first_name,''), COALESCE(last_name,''),
			role, COALESCE(pharmacy_id,''), active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.ID, &user.Username, &user.Password, &user.FirstName, &user.LastName,
			&user.Role, &user.PharmacyID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDrug(row rowScanner) (*domain.Drug, error) {
	var drug domain.Drug
	var supplier, createdBy sql.NullString
	err := row.Scan(&drug.ID, &drug.PharmacyID, &drug.Name, &drug.Category, &drug.BatchNo,
		&drug.Quantity, &drug.UnitPriceCents, &drug.CostPriceCents, &drug.ExpiryDate,
		&supplier, &drug.MinStock, &drug.Active, &createdBy, &drug.CreatedAt, &drug.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if supplier.Valid {
		drug.Supplier = supplier.String
	}
	if createdBy.Valid {
		drug.CreatedBy = createdBy.String
	}
	drug.ExpiryDate = dateOnly(drug.ExpiryDate)
	drug.CreatedAt = drug.CreatedAt.UTC()
	drug.UpdatedAt = drug.UpdatedAt.UTC()
	return &drug, nil
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var itemsJSON []byte
	err := row.Scan(&sale.ID, &sale.SaleNo, &sale.PharmacyID, &sale.SoldBy, &itemsJSON,
		&sale.TotalItems, &sale.TotalCents, &sale.CostCents, &sale.ProfitCents, &sale.ProfitMargin,
		&sale.PaymentMethod, &sale.CustomerName, &sale.CustomerPhone, &sale.Status,
		&sale.DayOfWeek, &sale.Month, &sale.Year, &sale.Hour, &sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(itemsJSON, &sale.Items); err != nil {
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
