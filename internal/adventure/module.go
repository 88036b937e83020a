// Package adventure loads authored adventure modules: the static content
// (scenes, NPCs, items, quests) a session is seeded from. The engine
// never edits a module file; runtime additions happen through validated
// module patches recorded in the session's own state.
package adventure

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/skald-rpg/engine/internal/domain"
)

// Scene is one authored location the party can occupy.
type Scene struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Summary     string   `json:"summary"`
	Exits       []string `json:"exits,omitempty"` // scene ids
	EntityIDs   []string `json:"entity_ids,omitempty"`
	Weather     string   `json:"weather,omitempty"`
	OnEnterNote string   `json:"on_enter_note,omitempty"`
}

// SeedEntity is an authored entity definition, converted to a canonical
// world entity at session creation.
type SeedEntity struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Kind     string           `json:"kind"`
	Location string           `json:"location,omitempty"`
	HP       int64            `json:"hp,omitempty"`
	Stats    map[string]int64 `json:"stats,omitempty"`
	Notes    string           `json:"notes,omitempty"`
}

// SeedQuest is an authored quest definition.
type SeedQuest struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Objectives []domain.Objective `json:"objectives"`
}

// Module is a complete authored adventure.
type Module struct {
	ID               string       `json:"id"`
	Title            string       `json:"title"`
	StartSceneID     string       `json:"start_scene_id"`
	StartClockMin    int64        `json:"start_clock_min,omitempty"`
	Scenes           []Scene      `json:"scenes"`
	Entities         []SeedEntity `json:"entities,omitempty"`
	Quests           []SeedQuest  `json:"quests,omitempty"`
	PatchPowerBudget int          `json:"patch_power_budget,omitempty"`

	sceneByID  map[string]*Scene
	entityByID map[string]*SeedEntity
}

// Load reads and validates a module file.
func Load(path string) (*Module, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrModuleInvalid.Code,
			"reading module file "+path, err)
	}
	var m Module
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, domain.WrapEngineError(domain.ErrModuleInvalid.Code,
			"parsing module file "+path, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	m.index()
	return &m, nil
}

func (m *Module) validate() error {
	if m.ID == "" {
		return domain.NewEngineError(domain.ErrModuleInvalid.Code, "module id is empty")
	}
	if len(m.Scenes) == 0 {
		return domain.NewEngineError(domain.ErrModuleInvalid.Code, "module has no scenes")
	}
	sceneIDs := make(map[string]bool, len(m.Scenes))
	for _, s := range m.Scenes {
		if s.ID == "" {
			return domain.NewEngineError(domain.ErrModuleInvalid.Code, "scene with empty id")
		}
		if sceneIDs[s.ID] {
			return domain.NewEngineError(domain.ErrModuleInvalid.Code, "duplicate scene id "+s.ID)
		}
		sceneIDs[s.ID] = true
	}
	if !sceneIDs[m.StartSceneID] {
		return domain.NewEngineError(domain.ErrModuleInvalid.Code,
			fmt.Sprintf("start scene %q not found in module %s", m.StartSceneID, m.ID))
	}
	for _, s := range m.Scenes {
		for _, exit := range s.Exits {
			if !sceneIDs[exit] {
				return domain.NewEngineError(domain.ErrModuleInvalid.Code,
					fmt.Sprintf("scene %s has unknown exit %q", s.ID, exit))
			}
		}
	}
	entityIDs := make(map[string]bool, len(m.Entities))
	for _, e := range m.Entities {
		if e.ID == "" || e.Name == "" {
			return domain.NewEngineError(domain.ErrModuleInvalid.Code,
				"entity with empty id or name")
		}
		if entityIDs[e.ID] {
			return domain.NewEngineError(domain.ErrModuleInvalid.Code,
				"duplicate entity id "+e.ID)
		}
		entityIDs[e.ID] = true
	}
	for _, q := range m.Quests {
		if q.ID == "" || len(q.Objectives) == 0 {
			return domain.NewEngineError(domain.ErrModuleInvalid.Code,
				"quest with empty id or no objectives")
		}
	}
	return nil
}

func (m *Module) index() {
	m.sceneByID = make(map[string]*Scene, len(m.Scenes))
	for i := range m.Scenes {
		m.sceneByID[m.Scenes[i].ID] = &m.Scenes[i]
	}
	m.entityByID = make(map[string]*SeedEntity, len(m.Entities))
	for i := range m.Entities {
		m.entityByID[m.Entities[i].ID] = &m.Entities[i]
	}
}

// Scene looks up an authored scene by id.
func (m *Module) Scene(id string) (*Scene, bool) {
	s, ok := m.sceneByID[id]
	return s, ok
}

// SeedWorld builds the initial world snapshot for a new session.
func (m *Module) SeedWorld(sessionID string) domain.WorldSnapshot {
	start, _ := m.Scene(m.StartSceneID)
	snap := domain.WorldSnapshot{
		SessionID:    sessionID,
		SceneID:      start.ID,
		SceneSummary: start.Summary,
		ClockMin:     m.StartClockMin,
		Weather:      start.Weather,
	}
	for _, e := range m.Entities {
		snap.Entities = append(snap.Entities, domain.Entity{
			ID:       e.ID,
			Name:     e.Name,
			Kind:     e.Kind,
			Location: e.Location,
			HP:       e.HP,
			Stats:    e.Stats,
			Notes:    e.Notes,
		})
	}
	for _, q := range m.Quests {
		snap.Quests = append(snap.Quests, domain.Quest{
			ID:         q.ID,
			Name:       q.Name,
			Status:     "open",
			Objectives: q.Objectives,
		})
	}
	return snap
}
