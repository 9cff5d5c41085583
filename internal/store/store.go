package store

import (
	"context"
	"errors"
	"time"

	"farmapos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid input")
	ErrDuplicateBatch    = errors.New("duplicate batch number")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Repository is the persistence contract shared by the Postgres and
// in-memory implementations. Every read and write is scoped to one pharmacy
// (tenant); CreateSale is all-or-nothing: either every stock decrement and
// the sale insert commit together, or nothing is applied.
type Repository interface {
	CreateDrug(ctx context.Context, drug domain.Drug) (*domain.Drug, error)
	GetDrug(ctx context.Context, pharmacyID string, drugID string) (*domain.Drug, error)
	ListDrugs(ctx context.Context, pharmacyID string) ([]domain.Drug, error)
	UpdateDrug(ctx context.Context, drug domain.Drug) (*domain.Drug, error)
	SoftDeleteDrug(ctx context.Context, pharmacyID string, drugID string) error

	// CreateSale validates every line against the pharmacy's stock, snapshots
	// drug fields and prices, decrements stock, assigns the sale number from
	// an atomic counter, and persists the sale in a single transaction.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, pharmacyID string, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, pharmacyID string, limit int) ([]domain.Sale, error)
	UpdateSaleStatus(ctx context.Context, pharmacyID string, saleID string, status string) (*domain.Sale, error)

	GetDailySummary(ctx context.Context, pharmacyID string, day time.Time) (domain.DailySummary, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, pharmacyID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
