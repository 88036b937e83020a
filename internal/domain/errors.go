package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Coordinator / turn errors (-32010 to -32039) ----

var (
	ErrTurnNotFound     = &EngineError{Code: -32010, Message: "turn not found"}
	ErrSessionNotFound  = &EngineError{Code: -32011, Message: "session not found"}
	ErrSessionBusy      = &EngineError{Code: -32012, Message: "session is resolving another turn"}
	ErrRoundBudget      = &EngineError{Code: -32013, Message: "handoff round budget exhausted"}
	ErrToolBudget       = &EngineError{Code: -32014, Message: "per-agent tool call budget exhausted"}
	ErrAgentNotFound    = &EngineError{Code: -32015, Message: "no domain agent registered under that name"}
	ErrDuplicateSession = &EngineError{Code: -32017, Message: "session already exists"}
)

// ---- Decision / invoke errors (-32040 to -32069) ----

var (
	ErrDecisionUnparsable = &EngineError{Code: -32040, Message: "decision result does not match contract"}
	ErrDecisionTimeout    = &EngineError{Code: -32041, Message: "decision timed out"}
	ErrRoleNotRegistered  = &EngineError{Code: -32042, Message: "no model profile registered for role"}
	ErrToolUnknown        = &EngineError{Code: -32043, Message: "agent requested an unknown tool"}
	ErrInvokeFailed       = &EngineError{Code: -32044, Message: "model invocation failed"}
)

// ---- World writer errors (-32070 to -32099) ----

var (
	ErrUnknownEntity    = &EngineError{Code: -32071, Message: "delta references an unknown entity"}
	ErrUnknownQuest     = &EngineError{Code: -32072, Message: "delta references an unknown quest"}
	ErrDeltaConflict    = &EngineError{Code: -32073, Message: "delta contains conflicting changes"}
	ErrPatchInvalid     = &EngineError{Code: -32074, Message: "module patch failed schema validation"}
	ErrPatchPowerBudget = &EngineError{Code: -32075, Message: "module patch exceeds power budget"}
	ErrEmptyDelta       = &EngineError{Code: -32076, Message: "delta proposes no events"}
)

// ---- Pending action errors (-32100 to -32129) ----

var (
	ErrPendingNotFound = &EngineError{Code: -32100, Message: "pending action not found"}
	ErrPendingExpired  = &EngineError{Code: -32101, Message: "pending action has expired"}
	ErrPendingMismatch = &EngineError{Code: -32102, Message: "resume does not match the pending turn"}
)

// ---- Store / config errors (-32130 to -32159) ----

var (
	ErrStoreInit      = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery     = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite     = &EngineError{Code: -32132, Message: "store write failed"}
	ErrConfigInvalid  = &EngineError{Code: -32133, Message: "invalid configuration"}
	ErrDuplicateEvent = &EngineError{Code: -32134, Message: "duplicate event sequence number"}
	ErrModuleInvalid  = &EngineError{Code: -32135, Message: "adventure module failed validation"}
	ErrFactNoCitation = &EngineError{Code: -32136, Message: "fact must cite at least one event"}
)
