package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

var errInvalidCredentials = errors.New("invalid credentials")

type pharmacyClaims struct {
	Role       string `json:"role"`
	PharmacyID string `json:"pharmacy_id"`
	jwtlib.RegisteredClaims
}

// AuthManager issues and verifies access tokens and manages operator
// accounts. The pharmacy scope baked into each token is resolved exactly once
// here, at login; everything downstream trusts the token.
type AuthManager struct {
	repo     store.Repository
	secret   []byte
	tokenTTL time.Duration
}

func NewAuthManager(repo store.Repository, secret string, tokenTTL time.Duration) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{repo: repo, secret: []byte(secret), tokenTTL: tokenTTL}
}

func (a *AuthManager) Login(ctx context.Context, username string, password string) (domain.LoginResponse, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return domain.LoginResponse{}, errInvalidCredentials
	}

	user, err := a.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, errInvalidCredentials
		}
		return domain.LoginResponse{}, fmt.Errorf("look up user: %w", err)
	}
	if !user.Active {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return domain.LoginResponse{}, errInvalidCredentials
	}

	pharmacyID := tenantOf(user)
	expiresAt := time.Now().Add(a.tokenTTL)

	claims := pharmacyClaims{
		Role:       user.Role,
		PharmacyID: pharmacyID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
	}

	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        user.Role,
		PharmacyID:  pharmacyID,
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
	}, nil
}

// VerifyToken parses a bearer token and returns the actor it encodes.
func (a *AuthManager) VerifyToken(tokenString string) (domain.Actor, error) {
	claims := &pharmacyClaims{}
	token, err := jwtlib.ParseWithClaims(tokenString, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return domain.Actor{}, errInvalidCredentials
	}
	if claims.Subject == "" || claims.PharmacyID == "" {
		return domain.Actor{}, errInvalidCredentials
	}
	return domain.Actor{
		Username:   claims.Subject,
		Role:       claims.Role,
		PharmacyID: claims.PharmacyID,
	}, nil
}

// CreateOperator registers a new account inside the admin's pharmacy.
func (a *AuthManager) CreateOperator(ctx context.Context, actor domain.Actor, req domain.OperatorCreateRequest) (domain.OperatorUser, error) {
	if actor.Role != domain.RoleAdmin {
		return domain.OperatorUser{}, fmt.Errorf("admin role required")
	}

	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || len(req.Password) < 8 {
		return domain.OperatorUser{}, fmt.Errorf("username and a password of at least 8 characters are required: %w", store.ErrValidation)
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	switch role {
	case domain.RoleAdmin, domain.RolePharmacist, domain.RoleCashier:
	default:
		return domain.OperatorUser{}, fmt.Errorf("role must be admin, pharmacist, or cashier: %w", store.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.OperatorUser{}, fmt.Errorf("hash password: %w", err)
	}

	user := domain.UserAccount{
		ID:         xid.New("user"),
		Username:   username,
		Password:   string(hash),
		FirstName:  strings.TrimSpace(req.FirstName),
		LastName:   strings.TrimSpace(req.LastName),
		Role:       role,
		PharmacyID: actor.PharmacyID,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.repo.CreateUser(ctx, user); err != nil {
		return domain.OperatorUser{}, err
	}

	return toOperatorUser(user), nil
}

// ListOperators returns the accounts belonging to the admin's pharmacy.
func (a *AuthManager) ListOperators(ctx context.Context, actor domain.Actor) ([]domain.OperatorUser, error) {
	if actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}

	users, err := a.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	operators := make([]domain.OperatorUser, 0, len(users))
	for _, user := range users {
		if tenantOf(&user) == actor.PharmacyID {
			operators = append(operators, toOperatorUser(user))
		}
	}
	return operators, nil
}

// ChangePassword updates the caller's own password after verifying the
// current one.
func (a *AuthManager) ChangePassword(ctx context.Context, actor domain.Actor, current string, next string) error {
	if len(next) < 8 {
		return fmt.Errorf("new password must be at least 8 characters: %w", store.ErrValidation)
	}

	user, err := a.repo.GetUserByUsername(ctx, actor.Username)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(current)) != nil {
		return errInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return a.repo.UpdateUserPassword(ctx, actor.Username, string(hash))
}

// tenantOf resolves a user's pharmacy scope. An account created without an
// explicit pharmacy reference is its own tenant root, so operators it creates
// share its scope.
func tenantOf(user *domain.UserAccount) string {
	if user.PharmacyID != "" {
		return user.PharmacyID
	}
	return user.ID
}

func toOperatorUser(user domain.UserAccount) domain.OperatorUser {
	return domain.OperatorUser{
		Username:   user.Username,
		FirstName:  user.FirstName,
		LastName:   user.LastName,
		Role:       user.Role,
		PharmacyID: user.PharmacyID,
		Active:     user.Active,
		CreatedAt:  user.CreatedAt,
	}
}
