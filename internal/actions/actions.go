// Package actions holds the closed set of edit actions the tool can run
// against a live image, together with the argument-binding rules that turn
// raw command line words or YAML entries into typed action values. Binding
// happens before the source image is mounted, so a bad action list fails
// without touching the system.
package actions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mwhudson/livefs-editor/pkg/livefs"
)

// Action is one unit of work in the edit sequence.
type Action interface {
	Name() string
	Run(ec *livefs.EditContext) error
}

// ParamKind describes how a raw argument is converted.
type ParamKind int

const (
	// String passes the argument through.
	String ParamKind = iota
	// Bool accepts on/yes/true (case-insensitive) as true.
	Bool
	// Path parses the argument as a path expression.
	Path
	// Remainder consumes every remaining argument into a string list.
	// Only valid as the final parameter.
	Remainder
)

// Param declares one recognized parameter of an action.
type Param struct {
	Name       string
	Kind       ParamKind
	Default    string
	HasDefault bool
}

// Definition ties an action name to its parameters and constructor.
type Definition struct {
	Name   string
	Params []Param
	build  func(args map[string]any) (Action, error)
}

var registry = map[string]Definition{}

func register(def Definition) {
	registry[def.Name] = def
}

// Names lists the registered action names, sorted, for help output.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "on", "yes", "true":
		return true
	}
	return false
}

func convert(p Param, raw string) (any, error) {
	switch p.Kind {
	case Bool:
		return parseBool(raw), nil
	case Path:
		expr, err := livefs.ParsePath(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name, err)
		}
		return expr, nil
	default:
		return raw, nil
	}
}

// Bind binds positional raw arguments to an action definition.
func Bind(name string, raw []string) (Action, error) {
	def, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", name)
	}
	params := def.Params
	var rem *Param
	if len(params) > 0 && params[len(params)-1].Kind == Remainder {
		rem = &params[len(params)-1]
	}

	bound := map[string]any{}
	for i, a := range raw {
		var p Param
		switch {
		case rem != nil && i >= len(params)-1:
			p = *rem
		case i < len(params):
			p = params[i]
		default:
			return nil, fmt.Errorf("%s: too many arguments", name)
		}
		if p.Kind == Remainder {
			list, _ := bound[p.Name].([]string)
			bound[p.Name] = append(list, a)
			continue
		}
		v, err := convert(p, a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		bound[p.Name] = v
	}
	if err := fillDefaults(def, bound); err != nil {
		return nil, err
	}
	return def.build(bound)
}

// BindMap binds a YAML-style map of arguments to an action definition.
func BindMap(name string, args map[string]any) (Action, error) {
	def, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", name)
	}
	bound := map[string]any{}
	for key, val := range args {
		var param *Param
		for i := range def.Params {
			if def.Params[i].Name == key {
				param = &def.Params[i]
				break
			}
		}
		if param == nil {
			return nil, fmt.Errorf("%s: unknown argument %q", name, key)
		}
		v, err := convertAny(*param, val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		bound[key] = v
	}
	if err := fillDefaults(def, bound); err != nil {
		return nil, err
	}
	return def.build(bound)
}

func convertAny(p Param, val any) (any, error) {
	switch p.Kind {
	case Bool:
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			return parseBool(v), nil
		}
		return nil, fmt.Errorf("%s: expected bool, got %T", p.Name, val)
	case Remainder:
		switch v := val.(type) {
		case []string:
			return v, nil
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("%s: expected string list", p.Name)
				}
				out = append(out, s)
			}
			return out, nil
		case string:
			return []string{v}, nil
		}
		return nil, fmt.Errorf("%s: expected string list, got %T", p.Name, val)
	default:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("%s: expected string, got %T", p.Name, val)
		}
		return convert(p, s)
	}
}

func fillDefaults(def Definition, bound map[string]any) error {
	for _, p := range def.Params {
		if _, ok := bound[p.Name]; ok {
			continue
		}
		if p.Kind == Remainder {
			bound[p.Name] = []string(nil)
			continue
		}
		if !p.HasDefault {
			return fmt.Errorf("%s: missing argument %s", def.Name, p.Name)
		}
		v, err := convert(p, p.Default)
		if err != nil {
			return err
		}
		bound[p.Name] = v
	}
	return nil
}
