// Package auth tracks the signed in user and produces bearer tokens for the
// forms API.
package auth

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oneblink/formsync/internal/logging"
	"github.com/oneblink/formsync/internal/observer"
)

const defaultFormsKeyTTL = 5 * time.Minute

var ErrInvalidToken = errors.New("invalid access token")

// LoginChange is published whenever the signed in user changes.
type LoginChange struct {
	LoggedIn bool   `json:"loggedIn"`
	Username string `json:"username,omitempty"`
}

type Options struct {
	AccessToken     string
	AccessTokenFile string
	FormsKeyID      string
	FormsKeySecret  string
	FormsKeyTTL     time.Duration
	Now             func() time.Time
	Logger          logging.Logger
}

type Session struct {
	formsKeyID     string
	formsKeySecret []byte
	formsKeyTTL    time.Duration
	tokenFile      string
	now            func() time.Time
	logger         logging.Logger

	mu          sync.RWMutex
	accessToken string
	username    string
	expiresAt   time.Time

	minted       string
	mintedExpiry time.Time

	changes observer.Registry[LoginChange]
}

func NewSession(opts Options) (*Session, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.FormsKeyTTL
	if ttl <= 0 {
		ttl = defaultFormsKeyTTL
	}
	s := &Session{
		formsKeyID:     strings.TrimSpace(opts.FormsKeyID),
		formsKeySecret: []byte(opts.FormsKeySecret),
		formsKeyTTL:    ttl,
		tokenFile:      strings.TrimSpace(opts.AccessTokenFile),
		now:            now,
		logger:         logging.OrDefault(opts.Logger),
	}
	token := strings.TrimSpace(opts.AccessToken)
	if token == "" && s.tokenFile != "" {
		raw, err := os.ReadFile(s.tokenFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		token = strings.TrimSpace(string(raw))
	}
	if token != "" {
		if err := s.SetAccessToken(token); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TokenFile is the file the access token is read from, if any.
func (s *Session) TokenFile() string { return s.tokenFile }

// ReloadTokenFile re-reads the access token file. A missing or empty file
// signs the user out.
func (s *Session) ReloadTokenFile() error {
	if s.tokenFile == "" {
		return nil
	}
	raw, err := os.ReadFile(s.tokenFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		s.Logout()
		return nil
	}
	return s.SetAccessToken(token)
}

// SetAccessToken records the identity provider's access token. The token is
// only decoded here; the forms API verifies it.
func (s *Session) SetAccessToken(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return errors.Join(ErrInvalidToken, err)
	}
	username := claimString(claims, "cognito:username")
	if username == "" {
		username = claimString(claims, "username")
	}
	if username == "" {
		username, _ = claims.GetSubject()
	}
	if username == "" {
		return errors.Join(ErrInvalidToken, errors.New("token has no username or subject"))
	}
	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}

	s.mu.Lock()
	previous := s.username
	wasLoggedIn := s.loggedInLocked()
	s.accessToken = token
	s.username = username
	s.expiresAt = expiresAt
	loggedIn := s.loggedInLocked()
	s.mu.Unlock()

	if loggedIn != wasLoggedIn || previous != username {
		s.logger.Printf("auth: signed in as %s", username)
		s.changes.Publish(LoginChange{LoggedIn: loggedIn, Username: username})
	}
	return nil
}

func (s *Session) Logout() {
	s.mu.Lock()
	wasLoggedIn := s.accessToken != ""
	s.accessToken = ""
	s.username = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
	if wasLoggedIn {
		s.logger.Printf("auth: signed out")
		s.changes.Publish(LoginChange{LoggedIn: false})
	}
}

// OnLoginChange registers fn for sign in and sign out events.
func (s *Session) OnLoginChange(fn func(LoginChange)) func() {
	return s.changes.Subscribe(fn)
}

func (s *Session) IsLoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedInLocked()
}

func (s *Session) loggedInLocked() bool {
	if s.accessToken == "" {
		return false
	}
	return s.expiresAt.IsZero() || s.now().Before(s.expiresAt)
}

// Username is empty when nobody is signed in.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loggedInLocked() {
		return ""
	}
	return s.username
}

// GetFormsKeyID returns the service account key id when the process runs
// with a forms key instead of a user.
func (s *Session) GetFormsKeyID() string {
	return s.formsKeyID
}

// BearerToken prefers a forms key token, then the user's access token. It
// returns an empty token for anonymous requests.
func (s *Session) BearerToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.formsKeyID != "" {
		return s.formsKeyToken()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loggedInLocked() {
		return "", nil
	}
	return s.accessToken, nil
}

func (s *Session) formsKeyToken() (string, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.minted != "" && now.Add(30*time.Second).Before(s.mintedExpiry) {
		return s.minted, nil
	}
	expiresAt := now.Add(s.formsKeyTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    s.formsKeyID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(s.formsKeySecret)
	if err != nil {
		return "", err
	}
	s.minted = signed
	s.mintedExpiry = expiresAt
	return signed, nil
}

func claimString(claims jwt.MapClaims, name string) string {
	value, _ := claims[name].(string)
	return strings.TrimSpace(value)
}
