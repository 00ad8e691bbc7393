// Package telemetry provides operation tagging and metrics for the data store.
package telemetry

import "context"

type contextKey string

// operationKey is the context key for the store operation in progress.
const operationKey contextKey = "store_operation"

// Store operation names used as metric attributes.
const (
	OpAdd       = "add"
	OpDelete    = "delete"
	OpRead      = "read"
	OpWrite     = "write"
	OpAppend    = "append"
	OpList      = "list"
	OpLookup    = "lookup"
	OpReconcile = "reconcile"
	OpCheck     = "check"
	OpDestroy   = "destroy"
	OpDigest    = "digest"
	OpNone      = "none"
)

// WithOperation returns a context tagged with the store operation op.
// Backend calls made with this context are attributed to op.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey, op)
}

// OperationFromContext returns the store operation tagged on ctx, or OpNone.
func OperationFromContext(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	return OpNone
}
