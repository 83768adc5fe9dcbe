package kit

import "context"

type contextKey string

const (
	TransportKey contextKey = "kit_transport" // "http", "mcp"
	RequestIDKey contextKey = "kit_request_id"
	JobIDKey     contextKey = "kit_job_id"
	DomainKey    contextKey = "kit_domain"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport defaults to "http".
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}
func GetJobID(ctx context.Context) string {
	v, _ := ctx.Value(JobIDKey).(string)
	return v
}

func WithDomain(ctx context.Context, d string) context.Context {
	return context.WithValue(ctx, DomainKey, d)
}
func GetDomain(ctx context.Context) string {
	v, _ := ctx.Value(DomainKey).(string)
	return v
}

// LogAttrs returns the non-empty context values as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	var out []any
	if v := GetRequestID(ctx); v != "" {
		out = append(out, "request_id", v)
	}
	if v := GetJobID(ctx); v != "" {
		out = append(out, "job_id", v)
	}
	if v := GetDomain(ctx); v != "" {
		out = append(out, "domain", v)
	}
	return out
}
