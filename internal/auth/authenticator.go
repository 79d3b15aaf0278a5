package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/kv"
	"github.com/suPer8Hu/marketplace-chat/internal/metrics"
)

const connectionMetaTTL = time.Hour

// Result is the admission outcome for one socket. A nil Identity means the
// connection was admitted degraded; Err then carries the reason.
type Result struct {
	Identity  *identity.Identity
	SessionID string
	Err       error
}

func (r Result) Authenticated() bool { return r.Identity != nil }

type ConnectionMeta struct {
	ConnectionID string    `json:"connection_id"`
	RemoteAddr   string    `json:"remote_addr"`
	Client       string    `json:"client"`
	ConnectedAt  time.Time `json:"connected_at"`
}

type Authenticator struct {
	jwtSecret    string
	cookieSecret string
	resolver     *identity.Resolver
	sessions     *SessionStore
	store        kv.Store
	logger       zerolog.Logger
}

func NewAuthenticator(jwtSecret, cookieSecret string, resolver *identity.Resolver, sessions *SessionStore, store kv.Store, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		jwtSecret:    jwtSecret,
		cookieSecret: cookieSecret,
		resolver:     resolver,
		sessions:     sessions,
		store:        store,
		logger:       logger,
	}
}

// TokenFromRequest picks the bearer token: query param, then Authorization
// header, then the signed cookie.
func (a *Authenticator) TokenFromRequest(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if t := strings.TrimSpace(parts[1]); t != "" {
				return t
			}
		}
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		if v, ok := VerifyCookie(c.Value, a.cookieSecret); ok {
			return v
		}
		a.logger.Warn().Str("type", "security").Str("event", "bad_cookie_signature").Msg("ignoring tampered cookie")
	}
	return ""
}

// Authenticate never fails the connection itself: every error degrades to an
// unauthenticated Result. Callers decide whether to reject.
func (a *Authenticator) Authenticate(ctx context.Context, token string) Result {
	res := a.authenticate(ctx, token)
	if res.Authenticated() {
		metrics.ConnectionsTotal.WithLabelValues("authenticated").Inc()
	} else {
		metrics.ConnectionsTotal.WithLabelValues("degraded").Inc()
		ev := a.logger.Warn().Str("type", "security").Str("event", "degraded_auth")
		if res.Err != nil {
			ev = ev.Err(res.Err)
		}
		ev.Msg("connection admitted without identity")
	}
	return res
}

func (a *Authenticator) authenticate(ctx context.Context, token string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("auth panic: %v", r)}
		}
	}()

	claims, err := ParseJWT(token, a.jwtSecret)
	if err != nil {
		return Result{Err: err}
	}

	var ident *identity.Identity
	if kind, ok := claims.Kind(); ok {
		ident, err = a.resolver.Resolve(ctx, kind, claims.AccountID())
	} else {
		ident, err = a.resolver.ResolveAny(ctx, claims.AccountID())
	}
	if err != nil {
		return Result{Err: fmt.Errorf("resolve identity: %w", err)}
	}
	if ident == nil {
		return Result{Err: fmt.Errorf("%w: account not found", ErrInvalidToken)}
	}

	sessionID := claims.SessionID
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	if _, created, err := a.sessions.Ensure(ctx, *ident, sessionID); err != nil {
		return Result{Err: fmt.Errorf("session store: %w", err)}
	} else if created {
		a.logger.Debug().Str("identity", ident.String()).Str("session_id", sessionID).Msg("session created")
	}

	return Result{Identity: ident, SessionID: sessionID}
}

func connectionKey(ident identity.Identity, sessionID string) string {
	return fmt.Sprintf("ws_connection:%s:%s", ident.Key(), sessionID)
}

// RecordConnection writes connection metadata for observability. Failures are
// logged and ignored.
func (a *Authenticator) RecordConnection(ctx context.Context, ident identity.Identity, sessionID string, meta ConnectionMeta) {
	raw, err := json.Marshal(meta)
	if err == nil {
		err = a.store.Set(ctx, connectionKey(ident, sessionID), string(raw), connectionMetaTTL)
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("identity", ident.String()).Msg("connection metadata write failed")
	}
}

// ForgetConnection drops the metadata record and, when requested, the session.
func (a *Authenticator) ForgetConnection(ctx context.Context, ident identity.Identity, sessionID string, endSession bool) {
	if err := a.store.Del(ctx, connectionKey(ident, sessionID)); err != nil && !errors.Is(err, kv.ErrNil) {
		a.logger.Warn().Err(err).Str("identity", ident.String()).Msg("connection metadata delete failed")
	}
	if !endSession {
		return
	}
	if err := a.sessions.Remove(ctx, ident, sessionID); err != nil {
		a.logger.Warn().Err(err).Str("identity", ident.String()).Msg("session remove failed")
	}
}

func (a *Authenticator) Connected() {
	metrics.ActiveConnections.Inc()
}

func (a *Authenticator) Disconnected() {
	metrics.ActiveConnections.Dec()
	metrics.DisconnectionsTotal.Inc()
}
