package turn

import "hash/fnv"

// DeriveSeed maps a turn id and its raw input to the turn's dice seed.
// Replaying the same turn id with the same input rolls the same dice;
// a resumed turn gets a fresh id and therefore fresh rolls.
func DeriveSeed(turnID, input string) int64 {
	h := fnv.New64a()
	h.Write([]byte(turnID))
	h.Write([]byte{'\n'})
	h.Write([]byte(input))
	return int64(h.Sum64())
}
