// Package identity is the local authentication backend: password accounts
// stored in SQLite, signed ID tokens, and a per-device session client that
// pushes auth state changes to listeners.
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/togetha/internal/model"
)

const (
	MinPasswordLength = 6
	TokenTTL          = time.Hour

	maxFailures   = 5
	failureWindow = 15 * time.Minute
)

var emailRegexp = regexp.MustCompile(`^\S+@\S+\.\S+$`)

type account struct {
	UID           string
	Email         string
	PasswordHash  string
	DisplayName   string
	EmailVerified bool
}

func (a *account) identity() *model.Identity {
	return &model.Identity{
		UID:           a.UID,
		Email:         a.Email,
		DisplayName:   a.DisplayName,
		EmailVerified: a.EmailVerified,
	}
}

type failures struct {
	count int
	first time.Time
}

// Service owns the accounts table and issues ID tokens.
type Service struct {
	db     *sql.DB
	secret []byte
	now    func() time.Time

	mu       sync.Mutex
	failures map[string]*failures
}

func NewService(db *sql.DB, secret string) *Service {
	return &Service{
		db:       db,
		secret:   []byte(secret),
		now:      time.Now,
		failures: make(map[string]*failures),
	}
}

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func scanAccount(scanner interface{ Scan(...any) error }) (*account, error) {
	var a account
	err := scanner.Scan(&a.UID, &a.Email, &a.PasswordHash, &a.DisplayName, &a.EmailVerified)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

const accountCols = `uid, email, password_hash, display_name, email_verified`

func (s *Service) getByEmail(ctx context.Context, email string) (*account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE email = ?`, email)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, newError(CodeNetworkFailed, "get account: %w", err)
	}
	return a, nil
}

func (s *Service) getByUID(ctx context.Context, uid string) (*account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE uid = ?`, uid)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, newError(CodeNetworkFailed, "get account: %w", err)
	}
	return a, nil
}

// CreateAccount registers a new email/password account and returns its
// identity with a fresh ID token.
func (s *Service) CreateAccount(ctx context.Context, email, password string) (*model.Identity, error) {
	email = normalizeEmail(email)
	if !emailRegexp.MatchString(email) {
		return nil, &Error{Code: CodeInvalidEmail}
	}
	if len(password) < MinPasswordLength {
		return nil, &Error{Code: CodeWeakPassword}
	}

	existing, err := s.getByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &Error{Code: CodeEmailInUse}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	a := &account{UID: uuid.NewString(), Email: email, PasswordHash: string(hash)}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (uid, email, password_hash) VALUES (?, ?, ?)`,
		a.UID, a.Email, a.PasswordHash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, &Error{Code: CodeEmailInUse}
		}
		return nil, newError(CodeNetworkFailed, "insert account: %w", err)
	}

	return s.issue(a)
}

// SignIn checks the password for email. Repeated failures for the same
// email are refused for a while with CodeTooManyRequests.
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	email = normalizeEmail(email)
	if !emailRegexp.MatchString(email) {
		return nil, &Error{Code: CodeInvalidEmail}
	}
	if s.locked(email) {
		return nil, &Error{Code: CodeTooManyRequests}
	}

	a, err := s.getByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, &Error{Code: CodeUserNotFound}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		s.recordFailure(email)
		return nil, &Error{Code: CodeWrongPassword}
	}

	s.mu.Lock()
	delete(s.failures, email)
	s.mu.Unlock()

	return s.issue(a)
}

func (s *Service) locked(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[email]
	if !ok {
		return false
	}
	if s.now().Sub(f.first) >= failureWindow {
		delete(s.failures, email)
		return false
	}
	return f.count >= maxFailures
}

func (s *Service) recordFailure(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[email]
	if !ok || s.now().Sub(f.first) >= failureWindow {
		f = &failures{first: s.now()}
		s.failures[email] = f
	}
	f.count++
}

// SetDisplayName updates the display name stored on the account.
func (s *Service) SetDisplayName(ctx context.Context, uid, name string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE accounts SET display_name = ? WHERE uid = ?`, name, uid)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &Error{Code: CodeUserNotFound}
	}
	return nil
}

func (s *Service) issue(a *account) (*model.Identity, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
		Email: a.Email,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	id := a.identity()
	id.IDToken = signed
	return id, nil
}

// VerifyToken validates an ID token and returns the identity it was issued
// for. Expired, tampered or orphaned tokens fail with CodeInvalidCredential.
func (s *Service) VerifyToken(ctx context.Context, token string) (*model.Identity, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	var c claims
	if _, err := parser.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return nil, &Error{Code: CodeInvalidCredential, Err: err}
	}

	a, err := s.getByUID(ctx, c.Subject)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, &Error{Code: CodeInvalidCredential}
	}
	id := a.identity()
	id.IDToken = token
	return id, nil
}
