package adventure

import (
	"fmt"

	"github.com/skald-rpg/engine/internal/domain"
)

var patchKinds = map[string]bool{
	"npc":      true,
	"location": true,
	"item":     true,
	"shop":     true,
}

// ValidatePatch checks a guard-proposed module patch against the schema
// and the module's remaining power budget. usedPower is the sum of power
// already spent by applied patches in the session.
func ValidatePatch(m *Module, patch domain.ModulePatch, usedPower int) error {
	if !patchKinds[patch.Kind] {
		return domain.NewEngineError(domain.ErrPatchInvalid.Code,
			"unknown patch kind "+patch.Kind)
	}
	if patch.ID == "" || patch.Name == "" {
		return domain.NewEngineError(domain.ErrPatchInvalid.Code,
			"patch id and name are required")
	}
	if patch.Power < 1 {
		return domain.NewEngineError(domain.ErrPatchInvalid.Code,
			"patch power must be at least 1")
	}
	if _, exists := m.entityByID[patch.ID]; exists {
		return domain.NewEngineError(domain.ErrPatchInvalid.Code,
			"patch id collides with authored entity "+patch.ID)
	}
	if _, exists := m.sceneByID[patch.ID]; exists {
		return domain.NewEngineError(domain.ErrPatchInvalid.Code,
			"patch id collides with authored scene "+patch.ID)
	}
	if patch.SceneID != "" {
		if _, ok := m.Scene(patch.SceneID); !ok {
			return domain.NewEngineError(domain.ErrPatchInvalid.Code,
				"patch references unknown scene "+patch.SceneID)
		}
	}
	if usedPower+patch.Power > m.PatchPowerBudget {
		return domain.NewEngineError(domain.ErrPatchPowerBudget.Code,
			fmt.Sprintf("patch power %d exceeds remaining budget %d",
				patch.Power, m.PatchPowerBudget-usedPower))
	}
	return nil
}

// PatchEntity converts an applied patch into the canonical entity it
// introduces. Location patches become location-kind entities so they can
// participate in entity references like everything else.
func PatchEntity(patch domain.ModulePatch) domain.Entity {
	return domain.Entity{
		ID:       patch.ID,
		Name:     patch.Name,
		Kind:     patch.Kind,
		Location: patch.SceneID,
		Notes:    patch.Description,
	}
}
