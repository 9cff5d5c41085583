package domain

import "time"

type Drug struct {
	ID             string    `json:"id"`
	PharmacyID     string    `json:"pharmacy_id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	BatchNo        string    `json:"batch_no"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	CostPriceCents int64     `json:"cost_price_cents"`
	ExpiryDate     time.Time `json:"expiry_date"`
	Supplier       string    `json:"supplier,omitempty"`
	MinStock       int       `json:"min_stock"`
	Active         bool      `json:"active"`
	CreatedBy      string    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DrugView is a Drug plus the stock/expiry flags derived at read time.
type DrugView struct {
	Drug
	LowStock   bool `json:"low_stock"`
	Expired    bool `json:"expired"`
	NearExpiry bool `json:"near_expiry"`
}

type DrugCreateRequest struct {
	Name           string `json:"name"`
	Category       string `json:"category"`
	BatchNo        string `json:"batch_no"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	CostPriceCents int64  `json:"cost_price_cents"`
	ExpiryDate     string `json:"expiry_date"`
	Supplier       string `json:"supplier,omitempty"`
	MinStock       *int   `json:"min_stock,omitempty"`
}

type DrugUpdateRequest struct {
	Name           *string `json:"name,omitempty"`
	Category       *string `json:"category,omitempty"`
	BatchNo        *string `json:"batch_no,omitempty"`
	Quantity       *int    `json:"quantity,omitempty"`
	UnitPriceCents *int64  `json:"unit_price_cents,omitempty"`
	CostPriceCents *int64  `json:"cost_price_cents,omitempty"`
	ExpiryDate     *string `json:"expiry_date,omitempty"`
	Supplier       *string `json:"supplier,omitempty"`
	MinStock       *int    `json:"min_stock,omitempty"`
}

// SaleLine is one basket line with the drug fields snapshotted at sale time.
// The snapshot keeps sale history accurate even if the drug record is later
// renamed or soft-deleted.
type SaleLine struct {
	DrugID         string `json:"drug_id"`
	DrugName       string `json:"drug_name"`
	BatchNo        string `json:"batch_no"`
	Category       string `json:"category"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TotalCents     int64  `json:"total_cents"`
	CostCents      int64  `json:"cost_cents"`
	ProfitCents    int64  `json:"profit_cents"`
}

type Sale struct {
	ID            string     `json:"id"`
	SaleNo        string     `json:"sale_no"`
	PharmacyID    string     `json:"pharmacy_id"`
	SoldBy        string     `json:"sold_by,omitempty"`
	Items         []SaleLine `json:"items"`
	TotalItems    int        `json:"total_items"`
	TotalCents    int64      `json:"total_cents"`
	CostCents     int64      `json:"cost_cents"`
	ProfitCents   int64      `json:"profit_cents"`
	ProfitMargin  float64    `json:"profit_margin"`
	PaymentMethod string     `json:"payment_method"`
	CustomerName  string     `json:"customer_name,omitempty"`
	CustomerPhone string     `json:"customer_phone,omitempty"`
	Status        string     `json:"status"`
	DayOfWeek     string     `json:"day_of_week"`
	Month         string     `json:"month"`
	Year          int        `json:"year"`
	Hour          int        `json:"hour"`
	CreatedAt     time.Time  `json:"created_at"`
}

type SaleItemRequest struct {
	DrugID   string `json:"drug_id"`
	Quantity int    `json:"quantity"`
}

type SaleCreateRequest struct {
	Items         []SaleItemRequest `json:"items"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	CustomerName  string            `json:"customer_name,omitempty"`
	CustomerPhone string            `json:"customer_phone,omitempty"`
}

type SaleStatusRequest struct {
	Status string `json:"status"`
}

// SaleView is the display-ready projection returned by every sale read
// endpoint: the seller reference resolved to display fields plus formatted
// date/time strings derived from the creation timestamp.
type SaleView struct {
	Sale
	SellerName     string `json:"seller_name"`
	SellerUsername string `json:"seller_username"`
	Date           string `json:"date"`
	Time           string `json:"time"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	PharmacyID  string `json:"pharmacy_id"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the resolved caller identity. PharmacyID is the tenant scope
// resolved once at the auth boundary; core operations trust it verbatim and
// never re-derive tenancy from request bodies.
type Actor struct {
	Username   string
	Role       string
	PharmacyID string
}

// UserAccount is an internal persistence model for operator accounts.
// A user without an explicit pharmacy reference is its own tenant root.
type UserAccount struct {
	ID         string
	Username   string
	Password   string
	FirstName  string
	LastName   string
	Role       string
	PharmacyID string
	Active     bool
	CreatedAt  time.Time
}

type OperatorCreateRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Role      string `json:"role"`
}

type OperatorUser struct {
	Username   string    `json:"username"`
	FirstName  string    `json:"first_name,omitempty"`
	LastName   string    `json:"last_name,omitempty"`
	Role       string    `json:"role"`
	PharmacyID string    `json:"pharmacy_id"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	PharmacyID    string    `json:"pharmacy_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type DailySummaryPayment struct {
	PaymentMethod string `json:"payment_method"`
	Sales         int64  `json:"sales"`
	TotalCents    int64  `json:"total_cents"`
}

type DailySummary struct {
	PharmacyID  string                `json:"pharmacy_id"`
	Date        string                `json:"date"`
	Sales       int64                 `json:"sales"`
	TotalCents  int64                 `json:"total_cents"`
	CostCents   int64                 `json:"cost_cents"`
	ProfitCents int64                 `json:"profit_cents"`
	TotalItems  int64                 `json:"total_items"`
	ByPayment   []DailySummaryPayment `json:"by_payment"`
}

const (
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
	SaleStatusRefunded  = "refunded"
)

const (
	PaymentCash        = "cash"
	PaymentCard        = "card"
	PaymentMobileMoney = "mobile-money"
)

const (
	RoleAdmin      = "admin"
	RolePharmacist = "pharmacist"
	RoleCashier    = "cashier"
)

// NearExpiryWindowDays is the forward window within which a still-valid
// batch counts as near-expiry.
const NearExpiryWindowDays = 30
