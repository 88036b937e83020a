package writer

import (
	"fmt"

	"github.com/skald-rpg/engine/internal/domain"
)

// findConflicts checks a merged delta for contradictory writes. Additive
// changes compose in order; two absolute writes to the same target with
// different values cannot both be honored, so the whole delta is
// rejected before anything touches disk.
func findConflicts(delta domain.StateDelta) []string {
	var conflicts []string

	type target struct{ entity, field string }
	sets := make(map[target]domain.EntityChange)
	removed := make(map[string]bool)
	for _, ec := range delta.Entities {
		if ec.Op == domain.OpRemove && ec.Field == "" {
			removed[ec.EntityID] = true
			continue
		}
		if removed[ec.EntityID] {
			conflicts = append(conflicts, fmt.Sprintf(
				"entity %s modified after removal", ec.EntityID))
			continue
		}
		if ec.Op != domain.OpSet {
			continue
		}
		key := target{ec.EntityID, ec.Field}
		if prev, ok := sets[key]; ok && prev.Value != ec.Value {
			conflicts = append(conflicts, fmt.Sprintf(
				"entity %s field %s set to both %q and %q",
				ec.EntityID, ec.Field, prev.Value, ec.Value))
		}
		sets[key] = ec
	}

	questStatus := make(map[string]string)
	for _, qc := range delta.Quests {
		if qc.Status == "" {
			continue
		}
		if prev, ok := questStatus[qc.QuestID]; ok && prev != qc.Status {
			conflicts = append(conflicts, fmt.Sprintf(
				"quest %s set to both %q and %q", qc.QuestID, prev, qc.Status))
		}
		questStatus[qc.QuestID] = qc.Status
	}

	return conflicts
}
