// Package auth establishes caller identities from HTTP requests.
//
// Credentials travel as HTTP Basic auth. With authentication enabled the
// password is checked against a bcrypt hash from the configuration and the
// configured groups are attached. With it disabled the user name is taken at
// face value and carries no groups.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"steward/internal/config"
	"steward/pkg/extension"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a user name or password is wrong
var ErrInvalidCredentials = errors.New("invalid credentials")

type user struct {
	hash   []byte
	groups []string
}

// Authenticator resolves identities. Safe for concurrent use.
type Authenticator struct {
	enabled bool
	users   map[string]user
	logger  *zap.Logger
}

// New builds an authenticator from the auth section of the configuration
func New(cfg config.AuthConfig, logger *zap.Logger) *Authenticator {
	a := &Authenticator{
		enabled: cfg.Enabled,
		users:   make(map[string]user, len(cfg.Users)),
		logger:  logger.Named("auth"),
	}
	for name, u := range cfg.Users {
		a.users[name] = user{
			hash:   []byte(u.PasswordHash),
			groups: append([]string(nil), u.Groups...),
		}
	}
	return a
}

// Enabled reports whether passwords are checked
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// Identify returns the identity of the request's caller. A request without
// credentials is anonymous.
func (a *Authenticator) Identify(r *http.Request) (extension.Identity, error) {
	name, password, ok := r.BasicAuth()
	if !ok {
		return extension.Anonymous(), nil
	}
	return a.Check(name, password)
}

// Check verifies a user name and password
func (a *Authenticator) Check(name, password string) (extension.Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return extension.Identity{}, ErrInvalidCredentials
	}

	if !a.enabled {
		return extension.Identity{User: name}, nil
	}

	u, ok := a.users[name]
	if !ok {
		a.logger.Info("Unknown user", zap.String("user", name))
		return extension.Identity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		a.logger.Info("Wrong password", zap.String("user", name))
		return extension.Identity{}, ErrInvalidCredentials
	}

	return extension.Identity{
		User:   name,
		Groups: append([]string(nil), u.groups...),
	}, nil
}

// HashPassword produces a hash suitable for auth.users.*.password_hash
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
