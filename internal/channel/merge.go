package channel

import "github.com/searle-dev/anywork/internal/task/models"

// MergeSkills combines channel defaults with request-supplied skills.
// Defaults come first, then request entries; a request skill with the
// same name as a default replaces it in place, so ordering stays stable
// while the request wins on content.
func MergeSkills(defaults, requested []models.Skill) []models.Skill {
	if len(defaults) == 0 && len(requested) == 0 {
		return nil
	}
	merged := make([]models.Skill, 0, len(defaults)+len(requested))
	index := make(map[string]int, len(defaults))
	for _, s := range defaults {
		if pos, seen := index[s.Name]; seen {
			merged[pos] = s
			continue
		}
		index[s.Name] = len(merged)
		merged = append(merged, s)
	}
	for _, s := range requested {
		if pos, seen := index[s.Name]; seen {
			merged[pos] = s
			continue
		}
		index[s.Name] = len(merged)
		merged = append(merged, s)
	}
	return merged
}

// MergeBridgeConfigs combines channel default bridge configs with
// request-supplied ones, same semantics as MergeSkills: defaults first,
// request wins by name, duplicates within a list collapse to the last.
func MergeBridgeConfigs(defaults, requested []models.BridgeConfig) []models.BridgeConfig {
	if len(defaults) == 0 && len(requested) == 0 {
		return nil
	}
	merged := make([]models.BridgeConfig, 0, len(defaults)+len(requested))
	index := make(map[string]int, len(defaults))
	for _, b := range defaults {
		if pos, seen := index[b.Name]; seen {
			merged[pos] = b
			continue
		}
		index[b.Name] = len(merged)
		merged = append(merged, b)
	}
	for _, b := range requested {
		if pos, seen := index[b.Name]; seen {
			merged[pos] = b
			continue
		}
		index[b.Name] = len(merged)
		merged = append(merged, b)
	}
	return merged
}

// Apply merges a channel's defaults into a task request in place.
func Apply(ch Channel, req *TaskRequest) {
	defs := ch.Defaults()
	req.Skills = MergeSkills(defs.Skills, req.Skills)
	req.BridgeConfigs = MergeBridgeConfigs(defs.BridgeConfigs, req.BridgeConfigs)
}
