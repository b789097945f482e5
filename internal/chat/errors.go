package chat

import "fmt"

// ValidationError rejects an operation before any write happens.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// SubscriptionError reports a failed live subscription. The subscription
// that produced it has stopped emitting.
type SubscriptionError struct {
	Scope string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.Scope, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// OperationError wraps a store failure during a mutating operation.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
