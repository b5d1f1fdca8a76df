package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/vnmchuo/embedapi-gateway/internal/pricing"
)

const (
	HeaderPlan           = "X-EmbedAPI-Plan"
	HeaderOrganizationID = "X-EmbedAPI-Organization-ID"
	HeaderTaskID         = "X-EmbedAPI-Task-ID"
	HeaderProjectID      = "X-EmbedAPI-Project-ID"
	HeaderRequestID      = "X-Request-ID"
)

// Defaults applies when a request does not carry its own credential,
// plan or organization.
type Defaults struct {
	Credential     string
	Plan           pricing.PlanType
	OrganizationID string
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	credentialKey     contextKey = "credential"
	planKey           contextKey = "plan"
	organizationIDKey contextKey = "organization_id"
	taskIDKey         contextKey = "task_id"
	projectIDKey      contextKey = "project_id"
	requestIDKey      contextKey = "request_id"
)

// NewMiddleware resolves who a request is billed to. A bearer token becomes
// the caller credential; X-EmbedAPI-Plan sets the plan explicitly and an
// unknown plan is rejected with 400.
func NewMiddleware(defaults Defaults) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set(HeaderRequestID, requestID)

			credential := defaults.Credential
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				if !strings.HasPrefix(authHeader, "Bearer ") {
					writeError(w, http.StatusUnauthorized, "invalid Authorization header")
					return
				}
				credential = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			}

			plan := defaults.Plan
			if h := r.Header.Get(HeaderPlan); h != "" {
				p, err := pricing.ParsePlanType(h)
				if err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				plan = p
			}

			orgID := defaults.OrganizationID
			if h := r.Header.Get(HeaderOrganizationID); h != "" {
				orgID = h
			}

			ctx = context.WithValue(ctx, credentialKey, credential)
			ctx = context.WithValue(ctx, planKey, plan)
			ctx = context.WithValue(ctx, organizationIDKey, orgID)
			ctx = context.WithValue(ctx, taskIDKey, r.Header.Get(HeaderTaskID))
			ctx = context.WithValue(ctx, projectIDKey, r.Header.Get(HeaderProjectID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Helpers to extract from context
func GetCredential(ctx context.Context) string {
	return stringValue(ctx, credentialKey)
}

// GetPlan returns the explicit plan, or "" when the caller did not set one.
func GetPlan(ctx context.Context) pricing.PlanType {
	if p, ok := ctx.Value(planKey).(pricing.PlanType); ok {
		return p
	}
	return ""
}

func GetOrganizationID(ctx context.Context) string {
	return stringValue(ctx, organizationIDKey)
}

func GetTaskID(ctx context.Context) string {
	return stringValue(ctx, taskIDKey)
}

func GetProjectID(ctx context.Context) string {
	return stringValue(ctx, projectIDKey)
}

func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// ClientID is a stable, non-reversible identifier for the caller's
// credential, suitable as a rate limit or log key.
func ClientID(ctx context.Context) string {
	credential := GetCredential(ctx)
	if credential == "" {
		return "anonymous"
	}
	return hashKey(credential)[:16]
}

func hashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

func stringValue(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// Helpers for testing
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialKey, credential)
}

func WithPlan(ctx context.Context, plan pricing.PlanType) context.Context {
	return context.WithValue(ctx, planKey, plan)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
