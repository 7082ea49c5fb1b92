package signup

import (
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

const textCodeInvalidTransition = "SIGNUP_INVALID_STATE_TRANSITION"

// ErrInvalidTransition is returned when a requested state change is not allowed.
var ErrInvalidTransition = goerrors.New("invalid registration state transition", goerrors.CategoryValidation).
	WithTextCode(textCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// State is a step of the registration flow.
type State string

const (
	StateInit           State = "init"
	StateNewUserEntry   State = "new_user_entry"
	StateFormReentry    State = "form_reentry"
	StateAutoCompleting State = "auto_completing"
	StateError          State = "error"
	// StateNavigatedAway is terminal: the browser left for the identity
	// provider or for the landing page.
	StateNavigatedAway State = "navigated_away"
)

var transitions = map[State]map[State]struct{}{
	StateInit: {
		StateNewUserEntry:   {},
		StateFormReentry:    {},
		StateAutoCompleting: {},
		StateError:          {},
	},
	StateNewUserEntry: {
		StateNavigatedAway: {},
		StateNewUserEntry:  {},
		StateError:         {},
	},
	StateFormReentry: {
		StateAutoCompleting: {},
		StateFormReentry:    {},
		StateError:          {},
	},
	StateAutoCompleting: {
		StateNavigatedAway: {},
		StateFormReentry:   {},
		StateError:         {},
	},
	StateError: {
		StateNewUserEntry:   {},
		StateFormReentry:    {},
		StateAutoCompleting: {},
		StateError:          {},
	},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateNavigatedAway
}

// FormBearing reports whether the state renders the role/profile form.
func (s State) FormBearing() bool {
	switch s {
	case StateNewUserEntry, StateFormReentry, StateError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ValidateTransition returns ErrInvalidTransition when from may not move to to.
func ValidateTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// flowTrace records the states a single request walked through.
type flowTrace struct {
	key     string
	current State
	path    []State
	onEnter func(from, to State)
}

func newFlowTrace(key string, start State, onEnter func(from, to State)) *flowTrace {
	t := &flowTrace{key: key, current: start, path: []State{start}, onEnter: onEnter}
	if onEnter != nil {
		onEnter("", start)
	}
	return t
}

func (t *flowTrace) enter(to State) error {
	if err := ValidateTransition(t.current, to); err != nil {
		return err
	}
	from := t.current
	t.current = to
	t.path = append(t.path, to)
	if t.onEnter != nil {
		t.onEnter(from, to)
	}
	return nil
}
