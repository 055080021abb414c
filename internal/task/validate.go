package task

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateHandle = errors.New("duplicate handle")
	ErrMissingHandle   = errors.New("missing handle")
	ErrEmptyCommand    = errors.New("empty command")
	ErrNegativeRetries = errors.New("negative retries")
)

// Problem is one invalid task list entry.
type Problem struct {
	Index  int
	Handle string
	Err    error
}

func (p Problem) Error() string {
	if p.Handle == "" {
		return fmt.Sprintf("task[%d]: %v", p.Index, p.Err)
	}
	return fmt.Sprintf("task[%d] %q: %v", p.Index, p.Handle, p.Err)
}

// ValidationError lists every problem found in a task list.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid task list (%d problem", len(e.Problems))
	if len(e.Problems) != 1 {
		b.WriteByte('s')
	}
	b.WriteString(")")
	for i, p := range e.Problems {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(p.Error())
	}
	return b.String()
}

// Unwrap exposes the sentinel errors to errors.Is.
func (e *ValidationError) Unwrap() []error {
	out := make([]error, 0, len(e.Problems))
	for _, p := range e.Problems {
		out = append(out, p.Err)
	}
	return out
}

// Validate checks every task and handle uniqueness. It returns a
// *ValidationError when anything is wrong.
func Validate(tasks []Task) error {
	var probs []Problem
	seen := make(map[string]int, len(tasks))
	for i, t := range tasks {
		h := t.Handle
		if strings.TrimSpace(h) == "" {
			probs = append(probs, Problem{Index: i, Err: ErrMissingHandle})
		} else if first, ok := seen[h]; ok {
			probs = append(probs, Problem{Index: i, Handle: h, Err: fmt.Errorf("%w (first at task[%d])", ErrDuplicateHandle, first)})
		} else {
			seen[h] = i
		}
		if len(t.Command) == 0 || strings.TrimSpace(t.Command[0]) == "" {
			probs = append(probs, Problem{Index: i, Handle: h, Err: ErrEmptyCommand})
		}
		if t.RetriesRemaining < 0 {
			probs = append(probs, Problem{Index: i, Handle: h, Err: fmt.Errorf("%w: %d", ErrNegativeRetries, t.RetriesRemaining)})
		}
	}
	if len(probs) == 0 {
		return nil
	}
	return &ValidationError{Problems: probs}
}
