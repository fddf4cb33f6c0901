package reconcile

import "errors"

// Decision is the complete outcome of reconciling one snapshot.
type Decision struct {
	Plan    *Plan
	Invalid []*InputError
}

// Decide compares a snapshot and synthesizes every instruction on the
// calling goroutine. The engine does the same work with a worker pool;
// this form suits dry runs and tests.
func Decide(snap Snapshot, policy PlaceholderPolicy) Decision {
	res := Compare(snap, policy)
	synth := NewSynthesizer(policy)

	instructions := make([]Instruction, 0, len(res.Comparisons)+len(res.Renames))
	invalid := res.Invalid

	for _, p := range res.Renames {
		ins, err := synth.SynthesizeRename(p)
		if err != nil {
			invalid = append(invalid, asInputError(p.From.Path, err))
			continue
		}

		instructions = append(instructions, ins...)
	}

	for _, c := range res.Comparisons {
		instructions = append(instructions, synth.Synthesize(c))
	}

	return Decision{Plan: BuildPlan(instructions), Invalid: invalid}
}

func asInputError(path string, err error) *InputError {
	var ie *InputError
	if errors.As(err, &ie) {
		return ie
	}

	return &InputError{Path: path, Reason: err.Error()}
}
