package audit

import "context"

// RequestInfo is the caller metadata attached to audit events.
type RequestInfo struct {
	IPAddress string
	UserAgent string
	RequestID string
}

type requestInfoKey struct{}

func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

func fillFromContext(ctx context.Context, event *AuditEvent) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	if !ok {
		return
	}
	if event.IPAddress == "" {
		event.IPAddress = info.IPAddress
	}
	if event.UserAgent == "" {
		event.UserAgent = info.UserAgent
	}
	if event.RequestID == "" {
		event.RequestID = info.RequestID
	}
}
