// Package dice implements deterministic dice rolls for turn resolution.
//
// Rolls are deterministic with respect to the seed: given the same seed
// and formula, Roll always produces the same result. Turn seeds are
// derived from the turn id and input text, which is what makes
// dice-backed guard checks replayable.
package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// ErrInvalidFormula indicates a formula could not be parsed.
var ErrInvalidFormula = errors.New("invalid dice formula")

// ErrUnknownAttribute indicates a formula references an attribute that is
// not present in the resolution map.
var ErrUnknownAttribute = errors.New("unknown attribute in dice formula")

// Formula is a parsed dice expression such as "2d6+3" or "d20+DEX".
type Formula struct {
	Count     int
	Sides     int
	Modifier  int64
	Attribute string // empty unless the modifier is a named attribute
}

// Result captures one resolved roll.
type Result struct {
	Formula string
	Rolls   []int
	Total   int64
}

// Parse reads a formula of the form [N]dS[+M|-M|+ATTR].
func Parse(formula string) (Formula, error) {
	s := strings.TrimSpace(formula)
	if s == "" {
		return Formula{}, fmt.Errorf("%w: empty", ErrInvalidFormula)
	}

	dIdx := strings.IndexAny(s, "dD")
	if dIdx < 0 {
		return Formula{}, fmt.Errorf("%w: %q has no die", ErrInvalidFormula, formula)
	}

	f := Formula{Count: 1}
	if dIdx > 0 {
		n, err := strconv.Atoi(s[:dIdx])
		if err != nil || n < 1 {
			return Formula{}, fmt.Errorf("%w: bad count in %q", ErrInvalidFormula, formula)
		}
		f.Count = n
	}

	rest := s[dIdx+1:]
	modIdx := strings.IndexAny(rest, "+-")
	sidesPart := rest
	if modIdx >= 0 {
		sidesPart = rest[:modIdx]
	}

	sides, err := strconv.Atoi(sidesPart)
	if err != nil || sides < 2 {
		return Formula{}, fmt.Errorf("%w: bad sides in %q", ErrInvalidFormula, formula)
	}
	f.Sides = sides

	if modIdx >= 0 {
		sign := int64(1)
		if rest[modIdx] == '-' {
			sign = -1
		}
		modPart := rest[modIdx+1:]
		if modPart == "" {
			return Formula{}, fmt.Errorf("%w: dangling modifier in %q", ErrInvalidFormula, formula)
		}
		if n, err := strconv.ParseInt(modPart, 10, 64); err == nil {
			f.Modifier = sign * n
		} else {
			if sign < 0 {
				return Formula{}, fmt.Errorf("%w: negative attribute in %q", ErrInvalidFormula, formula)
			}
			f.Attribute = strings.ToUpper(modPart)
		}
	}

	return f, nil
}

// Roll parses and resolves a formula with the given seed. Attribute
// modifiers are looked up in attrs (keys upper-cased).
func Roll(formula string, seed int64, attrs map[string]int64) (Result, error) {
	f, err := Parse(formula)
	if err != nil {
		return Result{}, err
	}

	mod := f.Modifier
	if f.Attribute != "" {
		v, ok := attrs[f.Attribute]
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownAttribute, f.Attribute)
		}
		mod = v
	}

	rng := rand.New(rand.NewSource(seed))
	res := Result{Formula: formula, Rolls: make([]int, f.Count)}
	for i := 0; i < f.Count; i++ {
		r := rng.Intn(f.Sides) + 1
		res.Rolls[i] = r
		res.Total += int64(r)
	}
	res.Total += mod
	return res, nil
}
