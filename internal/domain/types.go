// Package domain defines the core types for the Skald turn engine.
package domain

// TurnStatus is the terminal outcome of a turn. Every turn ends in
// exactly one of these.
type TurnStatus string

const (
	TurnCommitted TurnStatus = "committed"
	TurnRejected  TurnStatus = "rejected"
	TurnPaused    TurnStatus = "paused"
)

// GuardStatus classifies the guard's verdict on a player input.
type GuardStatus string

const (
	GuardValid      GuardStatus = "valid"
	GuardReject     GuardStatus = "reject"
	GuardImprov     GuardStatus = "improv"
	GuardNeedsInput GuardStatus = "needs_player_input"
)

// ResultStatus is the status of a domain agent's result.
type ResultStatus string

const (
	ResultCompleted  ResultStatus = "completed"
	ResultContinue   ResultStatus = "continue"
	ResultNeedsInput ResultStatus = "needs_player_input"
	ResultError      ResultStatus = "error"
)

// TurnInput is one raw player input for one session. ResumeOf and Answer
// are set when the input answers a previously paused turn's prompt.
type TurnInput struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	ResumeOf  string `json:"resume_of,omitempty"`
	Answer    string `json:"answer,omitempty"`
}

// Turn is one resolution attempt for one player input.
type Turn struct {
	ID            string
	SessionID     string
	Input         TurnInput
	Seed          int64
	StartedAtUnix int64
}

// PromptDescriptor describes the input a paused turn is waiting for.
type PromptDescriptor struct {
	Type string            `json:"type"` // "dice_roll", "choice", "free_text"
	Data map[string]string `json:"data,omitempty"`
}

// ModulePatch is a proposed structural addition to the authored adventure
// content. Only the guard proposes patches; only the world writer applies
// them, after schema and power-budget validation.
type ModulePatch struct {
	Kind        string `json:"kind"` // "npc", "location", "item", "shop"
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SceneID     string `json:"scene_id,omitempty"`
	Power       int    `json:"power"`
}

// GuardDecision is the guard's single verdict for a turn, produced before
// any domain agent runs.
type GuardDecision struct {
	Status    GuardStatus       `json:"status"`
	Narrative string            `json:"narrative,omitempty"`
	Patch     *ModulePatch      `json:"patch,omitempty"`
	Prompt    *PromptDescriptor `json:"prompt,omitempty"`
}

// PlotDirective is advisory only. It never mutates state and is discarded
// with the turn that created it.
type PlotDirective struct {
	Objectives    []string `json:"objectives,omitempty"`
	Beat          string   `json:"beat,omitempty"`
	Pacing        string   `json:"pacing,omitempty"`
	StartingAgent string   `json:"starting_agent,omitempty"`
}

// ChangeOp is the operation an EntityChange applies to a field.
type ChangeOp string

const (
	OpSet    ChangeOp = "set"
	OpAdd    ChangeOp = "add"
	OpRemove ChangeOp = "remove"
)

// EntityChange is one proposed change to a single entity field.
type EntityChange struct {
	EntityID string   `json:"entity_id"`
	Field    string   `json:"field"` // "hp", "location", or a stat name
	Op       ChangeOp `json:"op"`
	Value    string   `json:"value,omitempty"`  // for set
	Amount   int64    `json:"amount,omitempty"` // for add
}

// QuestChange is a proposed change to quest progress.
type QuestChange struct {
	QuestID     string `json:"quest_id"`
	ObjectiveID string `json:"objective_id,omitempty"`
	Status      string `json:"status,omitempty"` // "open", "completed", "failed"
	Done        bool   `json:"done,omitempty"`   // marks the objective done
	Note        string `json:"note,omitempty"`
}

// ProposedEvent is an event proposed by an agent (or by the guard, for
// module patches). Sequence numbers are assigned at commit time.
type ProposedEvent struct {
	Type        string   `json:"type"`
	EntityRefs  []string `json:"entity_refs,omitempty"`
	PayloadJSON string   `json:"payload_json,omitempty"`
	ParentIDs   []int64  `json:"parent_ids,omitempty"`
	Durable     bool     `json:"durable,omitempty"` // curator hint: states a lasting world truth
}

// StateDelta accumulates a turn's proposed world changes. It is merged
// agent by agent in handoff order and handed to the world writer exactly
// once, when the coordinator declares the turn completed.
type StateDelta struct {
	TurnID         string          `json:"turn_id"`
	Entities       []EntityChange  `json:"entities,omitempty"`
	Quests         []QuestChange   `json:"quests,omitempty"`
	TimeAdvanceMin int64           `json:"time_advance_min,omitempty"`
	Events         []ProposedEvent `json:"events,omitempty"`
	Contributors   []string        `json:"contributors,omitempty"`
}

// Merge appends another delta's changes after this one's, preserving the
// order in which agents produced them.
func (d *StateDelta) Merge(other StateDelta, agent string) {
	d.Entities = append(d.Entities, other.Entities...)
	d.Quests = append(d.Quests, other.Quests...)
	d.Events = append(d.Events, other.Events...)
	d.TimeAdvanceMin += other.TimeAdvanceMin
	d.Contributors = append(d.Contributors, agent)
}

// Empty reports whether the delta proposes no changes at all.
func (d *StateDelta) Empty() bool {
	return len(d.Entities) == 0 && len(d.Quests) == 0 &&
		len(d.Events) == 0 && d.TimeAdvanceMin == 0
}

// DomainResult is what a domain agent returns when it holds the turn.
type DomainResult struct {
	Status    ResultStatus      `json:"status"`
	Narrative string            `json:"narrative,omitempty"`
	Delta     *StateDelta       `json:"delta,omitempty"`
	NextAgent string            `json:"next_agent,omitempty"`
	Prompt    *PromptDescriptor `json:"prompt,omitempty"`
	Reason    string            `json:"reason,omitempty"` // set when Status is error
}

// Event is an immutable, append-only record. The event log is the only
// way world history is observable.
type Event struct {
	ID          int64    `json:"id"`
	SessionID   string   `json:"session_id"`
	TurnID      string   `json:"turn_id"`
	SeqNo       int64    `json:"seq_no"`
	Type        string   `json:"type"`
	EntityRefs  []string `json:"entity_refs,omitempty"`
	PayloadJSON string   `json:"payload_json,omitempty"`
	ParentIDs   []int64  `json:"parent_ids,omitempty"`
	Durable     bool     `json:"durable,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

// PendingAction is persisted when a turn pauses for player input. It is
// consumed and deleted by the next input that supplies the answer; the
// resuming turn gets a fresh turn id.
type PendingAction struct {
	ID            string           `json:"id"`
	SessionID     string           `json:"session_id"`
	TurnID        string           `json:"turn_id"`
	Agent         string           `json:"agent"` // identity of the requesting component ("guard", "combat", ...)
	OriginalInput string           `json:"original_input"`
	Prompt        PromptDescriptor `json:"prompt"`
	CreatedAtUnix int64            `json:"created_at_unix"`
	ExpiresAtUnix int64            `json:"expires_at_unix"`
}

// Fact is a durable statement derived from committed events, written only
// by the memory curator. Facts are superseded, never edited.
type Fact struct {
	ID            string   `json:"id"`
	SessionID     string   `json:"session_id"`
	Text          string   `json:"text"`
	Tags          []string `json:"tags,omitempty"`
	EntityRefs    []string `json:"entity_refs,omitempty"`
	QuestID       string   `json:"quest_id,omitempty"`
	Citations     []int64  `json:"citations"` // event row ids; every fact cites at least one
	SupersededBy  string   `json:"superseded_by,omitempty"`
	CreatedAtUnix int64    `json:"created_at_unix"`
}

// Snippet is one ranked retrieval result.
type Snippet struct {
	Text        string  `json:"text"`
	CitationIDs []int64 `json:"citation_ids,omitempty"`
	Score       float64 `json:"score"`
}

// EntityRef is a lightweight participant reference inside a ContextPack.
type EntityRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// PendingEcho threads a consumed pending action into the resuming turn's
// context so the agent sees both the original intent and the answer.
type PendingEcho struct {
	OriginalInput string           `json:"original_input"`
	Prompt        PromptDescriptor `json:"prompt"`
	Answer        string           `json:"answer"`
	Agent         string           `json:"agent"`
}

// ContextPack is the bounded, read-only snapshot assembled per turn. It is
// immutable once built and discarded when the turn ends; it is never
// persisted as conversational history.
type ContextPack struct {
	TurnID       string
	SceneID      string
	SceneSummary string
	Participants []EntityRef
	Recap        []string
	RecentEvents []string
	Objectives   []string
	ClockMin     int64
	Weather      string
	Snippets     []Snippet
	Resume       *PendingEcho
	Tokens       int
}

// Entity is a canonical world entity.
type Entity struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Kind     string           `json:"kind"` // "pc", "npc", "item", "location"
	Location string           `json:"location,omitempty"`
	HP       int64            `json:"hp"`
	Stats    map[string]int64 `json:"stats,omitempty"`
	Notes    string           `json:"notes,omitempty"`
}

// Objective is one step of a quest.
type Objective struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// Quest tracks a quest and its objectives.
type Quest struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Status     string      `json:"status"` // "open", "completed", "failed"
	Objectives []Objective `json:"objectives"`
}

// WorldSnapshot is a read-only view of one session's canonical state.
type WorldSnapshot struct {
	SessionID    string   `json:"session_id"`
	SceneID      string   `json:"scene_id"`
	SceneSummary string   `json:"scene_summary"`
	ClockMin     int64    `json:"clock_min"`
	Weather      string   `json:"weather,omitempty"`
	LastEventSeq int64    `json:"last_event_seq"`
	Entities     []Entity `json:"entities"`
	Quests       []Quest  `json:"quests"`
}

// CommitStatus is the outcome of a world writer commit attempt.
type CommitStatus string

const (
	CommitApplied   CommitStatus = "applied"
	CommitDuplicate CommitStatus = "duplicate"
	CommitRejected  CommitStatus = "rejected"
)

// CommitResult reports what a commit did. Replaying an applied turn id
// returns the recorded sequence range with status duplicate.
type CommitResult struct {
	TurnID      string       `json:"turn_id"`
	Status      CommitStatus `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	FirstSeq    int64        `json:"first_seq,omitempty"`
	LastSeq     int64        `json:"last_seq,omitempty"`
	NewClockMin int64        `json:"new_clock_min,omitempty"`
}

// TurnOutcome is what the coordinator returns to the caller.
type TurnOutcome struct {
	TurnID    string            `json:"turn_id"`
	Status    TurnStatus        `json:"status"`
	Narrative string            `json:"narrative,omitempty"`
	Prompt    *PromptDescriptor `json:"prompt,omitempty"`
	Commit    *CommitResult     `json:"commit,omitempty"`
}
