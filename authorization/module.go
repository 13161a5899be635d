package authorization

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"vox_back/envelope"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	identityKey     = "vox_identity"
	currentUserKey  = "vox_current_user"
	claimSubject    = "sub"
	claimEmail      = "email"
	claimRole       = "role"
	defaultTimeout  = time.Hour
	accessTokenName = "sb-access-token"
)

// User is the identity carried by a verified Supabase access token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Module wires the JWT middleware that verifies Supabase sessions.
type Module struct {
	jwtMiddleware *jwt.GinJWTMiddleware
}

// New builds the module from the project's Supabase JWT secret.
func New(secret string) (*Module, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("authorization: SUPABASE_JWT_SECRET environment variable is required")
	}

	middleware, err := buildJWTMiddleware(secret)
	if err != nil {
		return nil, err
	}
	return &Module{jwtMiddleware: middleware}, nil
}

// RegisterRoutes mounts the session endpoint under /api/auth.
func (m *Module) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/api/auth")
	group.Use(m.Guard().RequireAuthenticated())
	group.GET("/session", func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			envelope.Fail(c, envelope.Authentication("authentication required"))
			return
		}
		envelope.OK(c, http.StatusOK, gin.H{"user": user})
	})
}

// IssueToken signs a token for user with the module key. Supabase issues the
// real tokens; this exists for local tooling and tests.
func (m *Module) IssueToken(user *User) (string, time.Time, error) {
	if m == nil || m.jwtMiddleware == nil {
		return "", time.Time{}, errors.New("authorization: module not initialized")
	}
	return m.jwtMiddleware.TokenGenerator(user)
}

func buildJWTMiddleware(secret string) (*jwt.GinJWTMiddleware, error) {
	return jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "vox",
		Key:         []byte(secret),
		Timeout:     defaultTimeout,
		MaxRefresh:  defaultTimeout,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if user, ok := data.(*User); ok && user != nil {
				claims := jwt.MapClaims{claimSubject: user.ID, "aud": "authenticated"}
				if user.Email != "" {
					claims[claimEmail] = user.Email
				}
				role := user.Role
				if role == "" {
					role = "authenticated"
				}
				claims[claimRole] = role
				return claims
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			return userFromClaims(jwt.ExtractClaims(c))
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			user, ok := data.(*User)
			if !ok || user == nil || user.ID == "" {
				return false
			}
			SetCurrentUser(c, user)
			return true
		},
		// Every rejection is reported as 401, including tokens the authorizator refused.
		Unauthorized: func(c *gin.Context, _ int, message string) {
			envelope.Abort(c, envelope.Authentication(message))
		},
		TokenLookup:   "header: Authorization, cookie: " + accessTokenName,
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}

// userFromClaims returns nil when the subject is missing or not a uuid, which
// makes the authorizator reject the request.
func userFromClaims(claims jwt.MapClaims) *User {
	if len(claims) == 0 {
		return nil
	}
	sub, _ := claims[claimSubject].(string)
	sub = strings.TrimSpace(sub)
	if _, err := uuid.Parse(sub); err != nil {
		return nil
	}
	email, _ := claims[claimEmail].(string)
	role, _ := claims[claimRole].(string)
	return &User{ID: sub, Email: strings.TrimSpace(email), Role: strings.TrimSpace(role)}
}

// SetCurrentUser stores the authenticated user on the request context.
func SetCurrentUser(c *gin.Context, user *User) {
	if c == nil || user == nil {
		return
	}
	c.Set(currentUserKey, user)
}

// CurrentUser returns the authenticated user stored by the guard.
func CurrentUser(c *gin.Context) (*User, bool) {
	if c == nil {
		return nil, false
	}
	value, ok := c.Get(currentUserKey)
	if !ok {
		return nil, false
	}
	user, ok := value.(*User)
	if !ok || user == nil || user.ID == "" {
		return nil, false
	}
	return user, true
}

// CurrentUserID returns the authenticated user's id or "".
func CurrentUserID(c *gin.Context) string {
	user, ok := CurrentUser(c)
	if !ok {
		return ""
	}
	return user.ID
}
