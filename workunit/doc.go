// Package workunit defines the work unit entity, its state machine, the
// enqueue options, and the durable store contract.
//
// # State machine
//
//	pending → processing → completed
//	pending → processing → pending (retry, after backoff) → processing → ...
//	pending → processing → failed
//	pending | processing → cancelled
//
// Completed, failed, and cancelled are terminal: once reached the status
// never changes again.
//
// # Ordering
//
// Within one worker type, units are served by ascending Priority and then
// by CreatedAt (with ID as the final tie-break). No ordering is promised
// across worker types.
//
// # Store
//
// [Store] is the durable table contract. Every mutation that races with
// other claimants is a conditional update: ClaimNext and ClaimUnit only
// succeed on pending rows, and FinishUnit only succeeds while the row is
// still processing under the attempt that was claimed. A loser receives
// taskcrew.ErrClaimConflict.
package workunit
