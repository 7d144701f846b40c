// Package policy evaluates optional Rego exclusion rules on top of the tag filter.
//
// A policy module must live in package shutter and define a boolean rule `exclude`.
// The input document is {"instance": <remediation.Instance as JSON>}:
//
//	package shutter
//
//	import rego.v1
//
//	exclude if input.instance.tags.team == "red-team"
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/yairfalse/shutter/pkg/remediation"
)

const excludeQuery = "data.shutter.exclude"

// Excluder decides whether an instance is exempt from remediation.
type Excluder interface {
	Excluded(ctx context.Context, inst remediation.Instance) (bool, error)
}

// Engine is an Excluder backed by a compiled Rego module.
type Engine struct {
	name  string
	query rego.PreparedEvalQuery
}

// New compiles a Rego module.
func New(ctx context.Context, name, module string) (*Engine, error) {
	prepared, err := rego.New(
		rego.Query(excludeQuery),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}
	return &Engine{name: name, query: prepared}, nil
}

// Load reads and compiles a Rego module from disk.
func Load(ctx context.Context, path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return New(ctx, filepath.Base(path), string(data))
}

// Excluded evaluates the module against the instance. An undefined rule means "not excluded".
func (e *Engine) Excluded(ctx context.Context, inst remediation.Instance) (bool, error) {
	input, err := toInput(inst)
	if err != nil {
		return false, err
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate policy %s: %w", e.name, err)
	}
	return results.Allowed(), nil
}

// toInput converts the instance into plain JSON values for the evaluator.
func toInput(inst remediation.Instance) (map[string]any, error) {
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("marshal policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal policy input: %w", err)
	}
	return map[string]any{"instance": doc}, nil
}

// Any combines excluders; the first one that excludes wins. Errors stop evaluation.
func Any(excluders ...Excluder) Excluder {
	return anyOf(excluders)
}

type anyOf []Excluder

func (a anyOf) Excluded(ctx context.Context, inst remediation.Instance) (bool, error) {
	for _, e := range a {
		excluded, err := e.Excluded(ctx, inst)
		if err != nil {
			return false, err
		}
		if excluded {
			return true, nil
		}
	}
	return false, nil
}
