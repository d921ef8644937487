// Package registry routes work units to handlers by worker type.
//
// Each worker type has exactly one handler. Registration happens at
// startup; lookup happens on every claim and fails closed with
// taskcrew.ErrUnknownWorkerType when nothing is registered:
//
//	reg := registry.New()
//	_ = reg.Register("analyst", registry.HandlerFunc(scoreLead))
//
//	type FollowUp struct {
//	    CustomerID string `json:"customer_id"`
//	}
//	_ = registry.RegisterTyped(reg, "sales", func(ctx context.Context, call *registry.Call, in FollowUp) (map[string]any, error) {
//	    call.Emit("drafting", map[string]any{"customer": in.CustomerID})
//	    return map[string]any{"sent": true}, nil
//	})
//
// Handlers receive a Call, which carries an immutable snapshot of the
// unit, an Emit function for step events, and a cooperative Cancelled
// flag. Wrap an error with taskcrew.NonRetryable to fail the unit without
// consuming the remaining attempts.
package registry
