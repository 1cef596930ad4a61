package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/stsupervisor/internal/audit"
	"github.com/nerrad567/stsupervisor/internal/auth"
)

// Auth constants.
const (
	// ticketTTL is how long a WebSocket ticket is valid.
	ticketTTL = 60 * time.Second

	// ticketBytes is the number of random bytes used for WebSocket tickets.
	ticketBytes = 32

	bearerPrefix = "Bearer "
)

// ErrTokenInvalid is returned for tokens that fail signature, expiry or
// subject checks.
var ErrTokenInvalid = errors.New("invalid token")

// IssueToken signs an HS256 access token for subject, valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// ParseToken validates an access token and returns its subject.
func ParseToken(tokenString, secret string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return "", ErrTokenInvalid
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims.Subject, nil
}

// authEnabled reports whether control routes require a bearer token.
func (s *Server) authEnabled() bool {
	return s.cfg.JWTSecret != ""
}

// authMiddleware requires a valid bearer token when a secret is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			writeUnauthorized(w, "bearer token required")
			return
		}
		subject, err := ParseToken(strings.TrimPrefix(header, bearerPrefix), s.cfg.JWTSecret)
		if err != nil {
			s.logger.Warn("rejected token", "error", err, "request_id", requestID(r))
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		actor := audit.ActorFrom(r.Context())
		actor.Subject = subject
		next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), actor)))
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleLogin exchanges operator credentials for an access token. Without
// configured operators the route does not exist.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.authEnabled() || len(s.cfg.Operators) == 0 {
		writeNotFound(w, "login is not configured")
		return
	}

	var req loginRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeBadRequest(w, "username and password are required")
		return
	}

	if err := s.cfg.Operators.Authenticate(req.Username, req.Password); err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Error("verifying credentials failed", "username", req.Username, "error", err)
		}
		s.logger.Warn("login rejected", "username", req.Username, "request_id", requestID(r))
		writeUnauthorized(w, "invalid credentials")
		return
	}

	token, err := IssueToken(s.cfg.JWTSecret, req.Username, s.cfg.TokenTTL)
	if err != nil {
		writeInternalError(w, "failed to generate token")
		return
	}
	s.logger.Info("operator logged in", "username", req.Username)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.TokenTTL.Seconds()),
	})
}

// ticketStore holds pending WebSocket tickets. Tickets are single-use and
// expire after ticketTTL.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]time.Time)}
}

func (ts *ticketStore) issue() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	ticket := hex.EncodeToString(b)

	ts.mu.Lock()
	ts.tickets[ticket] = time.Now().Add(ticketTTL)
	ts.mu.Unlock()
	return ticket
}

// consume checks a ticket and removes it.
func (ts *ticketStore) consume(ticket string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	expiresAt, ok := ts.tickets[ticket]
	if !ok {
		return false
	}
	delete(ts.tickets, ticket)
	return time.Now().Before(expiresAt)
}

func (ts *ticketStore) cleanExpired() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	for ticket, expiresAt := range ts.tickets {
		if now.After(expiresAt) {
			delete(ts.tickets, ticket)
		}
	}
}

// handleWSTicket issues a single-use WebSocket ticket, so the bearer token
// never appears in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     s.tickets.issue(),
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// cleanTicketsLoop drops expired tickets until ctx is cancelled.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickets.cleanExpired()
		}
	}
}
