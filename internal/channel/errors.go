package channel

import "fmt"

// SubscriptionError se reporta por callback cuando un canal no se pudo
// establecer o se cayó. Se recupera re-suscribiendo desde el caller.
type SubscriptionError struct {
	Kind   Kind
	Tenant string
	Status Status
	Err    error
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscription %s (tenant %s): %s: %v", e.Kind, e.Tenant, e.Status, e.Err)
	}
	return fmt.Sprintf("subscription %s (tenant %s): %s", e.Kind, e.Tenant, e.Status)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
