package interfaces

import (
	"bytes"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ErrEndpointNotFound indicates a path no endpoint of the interface matches.
var ErrEndpointNotFound = errors.New("endpoint not found")

// Automaton matches incoming paths against an interface's endpoints. Each
// endpoint level is either a literal or a parametric placeholder, stored as
// the empty token; resolution prefers the literal arc and falls back to the
// placeholder one.
type Automaton struct {
	children  map[int]map[string]int
	accepting map[int]uuid.UUID
	states    int
}

// Resolution is the outcome of a path lookup. An exact match carries the
// endpoint id; a strict prefix of longer endpoints carries the candidate
// ids reachable below it, which object aggregated interfaces use to accept
// a path one level above its mappings.
type Resolution struct {
	Exact      bool
	EndpointID uuid.UUID
	Guessed    []uuid.UUID
}

// BuildAutomaton compiles the automaton out of an interface's mappings.
func BuildAutomaton(mappings []Mapping) *Automaton {
	a := &Automaton{
		children:  map[int]map[string]int{0: {}},
		accepting: make(map[int]uuid.UUID),
		states:    1,
	}
	for _, m := range mappings {
		state := 0
		for _, level := range SplitPathLevels(m.Endpoint) {
			token := level
			if strings.HasPrefix(level, "%{") && strings.HasSuffix(level, "}") {
				token = ""
			}
			next, ok := a.children[state][token]
			if !ok {
				next = a.states
				a.states++
				a.children[state][token] = next
				a.children[next] = map[string]int{}
			}
			state = next
		}
		a.accepting[state] = m.EndpointID
	}
	return a
}

// Resolve walks the automaton over the path's levels.
func (a *Automaton) Resolve(path string) (Resolution, error) {
	state := 0
	for _, level := range SplitPathLevels(path) {
		next, ok := a.children[state][level]
		if !ok {
			next, ok = a.children[state][""]
			if !ok {
				return Resolution{}, ErrEndpointNotFound
			}
		}
		state = next
	}

	if id, ok := a.accepting[state]; ok {
		return Resolution{Exact: true, EndpointID: id}, nil
	}

	guessed := a.collectAccepting(state)
	if len(guessed) == 0 {
		return Resolution{}, ErrEndpointNotFound
	}
	return Resolution{Guessed: guessed}, nil
}

// collectAccepting gathers every endpoint reachable below a state.
func (a *Automaton) collectAccepting(state int) []uuid.UUID {
	var out []uuid.UUID
	stack := []int{state}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range a.children[s] {
			if id, ok := a.accepting[next]; ok {
				out = append(out, id)
			}
			stack = append(stack, next)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
