// Package tools is the capability-typed dispatch layer the orchestrator and
// the reasoner use to reach nutrition lookup, recipe parsing, goal and log
// queries, and proposal construction.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

// Tool is one dispatchable capability.
type Tool interface {
	Name() string
	Description() string
	InputSchema() *jsonschema.Schema
	Run(ctx context.Context, userID string, input map[string]any) (output map[string]any, err error)
}

// ErrorKind classifies a failed tool call.
type ErrorKind string

const (
	KindInvalidArgs ErrorKind = "invalid_args"
	KindNotFound    ErrorKind = "not_found"
	KindUpstream    ErrorKind = "upstream"
	KindUnknownTool ErrorKind = "unknown_tool"
	KindInternal    ErrorKind = "internal"
)

// Error is the failure variant of a tool Result.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Result is either Ok(output) or Err(kind, detail).
type Result struct {
	Output map[string]any
	Err    *Error
}

// Ok wraps a successful tool output.
func Ok(output map[string]any) Result {
	if output == nil {
		output = map[string]any{}
	}
	return Result{Output: output}
}

// Err builds a failed result.
func Err(kind ErrorKind, detail string) Result {
	return Result{Err: &Error{Kind: kind, Detail: detail}}
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Error returns the failure as an error, or nil.
func (r Result) Error() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

// invalidArgs and friends let tool bodies return typed failures as plain errors.
func invalidArgs(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgs, Detail: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Detail: fmt.Sprintf(format, args...)}
}

func upstream(err error) error {
	return &Error{Kind: KindUpstream, Detail: err.Error()}
}

// resultFromError maps an error returned by a tool body to a Result.
func resultFromError(err error) Result {
	var te *Error
	if errors.As(err, &te) {
		return Result{Err: te}
	}
	return Err(KindInternal, err.Error())
}
