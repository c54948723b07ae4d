package model

import (
	"fmt"
	"strings"
)

// Result is the outcome of a task run or shadow run. The zero value means
// "no result yet".
type Result string

const (
	ResultNone      Result = ""
	ResultOK        Result = "ok"
	ResultWarning   Result = "warning"
	ResultError     Result = "error"
	ResultCancelled Result = "cancelled"
	// ResultInspect holds a reported result until an operator reviews it.
	ResultInspect Result = "inspect"
)

// ParseResult accepts the current result codes only. Legacy codes are
// remapped at the storage boundary, not here.
func ParseResult(s string) (Result, error) {
	r := Result(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case ResultNone, ResultOK, ResultWarning, ResultError, ResultCancelled, ResultInspect:
		return r, nil
	}
	return ResultNone, InvalidRequest("unknown result code %q", s)
}

// IsFinal reports whether r is a settled outcome (neither unset nor inspect).
func (r Result) IsFinal() bool {
	switch r {
	case ResultOK, ResultWarning, ResultError, ResultCancelled:
		return true
	}
	return false
}

// IsReportable reports whether a Task Runner or operator may report r.
func (r Result) IsReportable() bool {
	switch r {
	case ResultOK, ResultWarning, ResultError:
		return true
	}
	return false
}

func (r Result) severity() int {
	switch r {
	case ResultOK:
		return 1
	case ResultWarning:
		return 2
	case ResultError:
		return 3
	case ResultCancelled:
		return 4
	}
	return 0
}

// Worst returns the most severe result, ordered
// CANCELLED > ERROR > WARNING > OK. It returns false when results is empty or
// any element is not a final result.
func Worst(results ...Result) (Result, bool) {
	if len(results) == 0 {
		return ResultNone, false
	}
	worst := ResultNone
	for _, r := range results {
		if !r.IsFinal() {
			return ResultNone, false
		}
		if r.severity() > worst.severity() {
			worst = r
		}
	}
	return worst, true
}

func (r Result) String() string {
	if r == ResultNone {
		return "none"
	}
	return string(r)
}

// MustBeReportable validates a result supplied by a caller.
func MustBeReportable(r Result) error {
	if !r.IsReportable() {
		return InvalidRequest("result %s cannot be reported, want one of ok, warning, error", fmt.Sprint(r))
	}
	return nil
}
