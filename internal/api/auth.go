package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"timebank/internal/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	permRead  = "read"
	permWrite = "write"
	permAdmin = "admin"

	clientKeyUnknown = "unknown"
)

var (
	errMissingAPIKey    = errors.New("missing api key header")
	errInvalidAPIKey    = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// keyring authenticates API clients and checks their permissions. It is
// shared by the HTTP and gRPC transports.
type keyring struct {
	cfg     config.APIConfig
	clients map[string]config.APIClientKey
	limiter *rateLimiter
}

func newKeyring(cfg config.APIConfig) *keyring {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &keyring{cfg: cfg, clients: m, limiter: newRateLimiter(cfg.RateLimit)}
}

func (k *keyring) apiKeyHeader() string {
	h := strings.ToLower(strings.TrimSpace(k.cfg.Auth.HeaderAPIKey))
	if h == "" {
		return "x-api-key"
	}
	return h
}

func (k *keyring) userHeader() string {
	h := strings.ToLower(strings.TrimSpace(k.cfg.HeaderUserID))
	if h == "" {
		return "x-user-id"
	}
	return h
}

// authenticate checks apiKey against the configured clients when auth is
// enabled.
func (k *keyring) authenticate(apiKey, required string) error {
	if !k.cfg.Auth.Enabled {
		return nil
	}
	if apiKey == "" {
		return errMissingAPIKey
	}

	var (
		client config.APIClientKey
		found  bool
	)
	for key, c := range k.clients {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			client, found = c, true
			break
		}
	}
	if !found {
		return errInvalidAPIKey
	}
	return checkPermissions(client, required)
}

// checkPermissions treats an empty permission list as allow-all. Admin
// implies every other permission.
func checkPermissions(client config.APIClientKey, required string) error {
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		p = strings.TrimSpace(p)
		if p == required || p == permAdmin {
			return nil
		}
	}
	return errPermissionDenied
}

// HTTPAuth is API-key auth and per-client rate limiting for HTTP routes.
type HTTPAuth struct {
	*keyring
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{keyring: newKeyring(cfg)}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := strings.TrimSpace(r.Header.Get(a.apiKeyHeader()))
		if err := a.authenticate(apiKey, requiredPermissionHTTP(r)); err != nil {
			if errors.Is(err, errPermissionDenied) {
				writeError(w, http.StatusForbidden, "forbidden", err.Error())
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}

		if !a.limiter.allow(a.clientKey(r, apiKey)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requiredPermissionHTTP(r *http.Request) string {
	if strings.HasSuffix(r.URL.Path, "/reconcile") {
		return permAdmin
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return permRead
	}
	return permWrite
}

func (a *HTTPAuth) clientKey(r *http.Request, apiKey string) string {
	if apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

// AuthInterceptor is the gRPC counterpart of HTTPAuth.
type AuthInterceptor struct {
	*keyring
}

func NewAuthInterceptor(cfg config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{keyring: newKeyring(cfg)}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		required := requiredPermission(info.FullMethod)
		if required == "" {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		apiKey := first(md.Get(a.apiKeyHeader()))

		if err := a.authenticate(apiKey, required); err != nil {
			if errors.Is(err, errPermissionDenied) {
				return nil, status.Error(codes.PermissionDenied, err.Error())
			}
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if !a.limiter.allow(a.clientKey(ctx, apiKey)) {
			return nil, status.Error(codes.ResourceExhausted, errRateLimited.Error())
		}
		return handler(ctx, req)
	}
}

func requiredPermission(fullMethod string) string {
	switch fullMethod {
	case methodGetBooking, methodGetBalance, methodCanReview:
		return permRead
	}
	if strings.HasPrefix(fullMethod, "/"+bookingEngineServiceName+"/") {
		return permWrite
	}
	return ""
}

func (a *AuthInterceptor) clientKey(ctx context.Context, apiKey string) string {
	if apiKey != "" {
		return apiKey
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
