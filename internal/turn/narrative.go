package turn

import "encoding/json"

// Seeded fallback lines keep failure modes diegetic and deterministic:
// the same turn always stalls with the same words.

var rejectionLines = []string{
	"The world holds its shape; that is not how this story goes.",
	"Nothing answers. Whatever you reached for is not here.",
	"The moment passes, and the world declines to bend.",
}

var stallLines = []string{
	"The thread of the scene slips loose. Gather it and try again.",
	"A hush falls while the tale untangles itself.",
	"The scene wavers and settles back where it stood.",
}

func fallbackRejection(seed int64) string {
	return pick(rejectionLines, seed)
}

func fallbackStall(seed int64) string {
	return pick(stallLines, seed)
}

func pick(lines []string, seed int64) string {
	i := seed % int64(len(lines))
	if i < 0 {
		i += int64(len(lines))
	}
	return lines[i]
}

func mustMarshalNarration(narrative string) string {
	raw, _ := json.Marshal(map[string]string{"narrative": narrative})
	return string(raw)
}
