// Package llm is the boundary behind which all model non-determinism
// lives. Everything above it (guard, director, agents, coordinator) only
// sees Invoke results, which makes the rest of the engine deterministic
// and testable with scripted invokers.
package llm

import "context"

// Role identifies which deciding component is calling the model. Each
// role has its own model profile and prompt framing.
type Role string

const (
	RoleGuard       Role = "guard"
	RoleDirector    Role = "director"
	RoleDialogue    Role = "dialogue"
	RoleCombat      Role = "combat"
	RoleExploration Role = "exploration"
	RoleCurator     Role = "curator"
)

// Tool describes one callable function offered to the model. The catalog
// is scoped per agent.
type Tool struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Params      map[string]string `json:"params,omitempty"` // param name -> description
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ArgsJSON string `json:"args_json"`
}

// ToolResult carries an executed tool call's output back into the next
// Invoke of the same exchange.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ToolExchange is one completed tool round: the calls the model requested
// paired with the results that answered them. The chat transcript needs
// both sides; a tool message without its requesting assistant message is
// rejected by the API.
type ToolExchange struct {
	Calls   []ToolCall
	Results []ToolResult
}

// Request is one bounded invocation: a prompt built from turn-scoped
// context, an optional tool catalog, and any tool rounds completed
// earlier in the same exchange.
type Request struct {
	Role      Role
	System    string
	Prompt    string
	Tools     []Tool
	Exchanges []ToolExchange
}

// Result is the parsed envelope of a model response: free text, a
// structured decision (raw JSON, validated by the caller before being
// trusted), or tool-call requests.
type Result struct {
	Text         string
	DecisionJSON string
	ToolCalls    []ToolCall
}

// Invoker is the single entry point for model invocation.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}
