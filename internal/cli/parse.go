// Package cli parses the action grammar: after the source and destination
// paths, every --name token starts an action and the words that follow it
// are that action's arguments, up to the next --name token.
package cli

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mwhudson/livefs-editor/internal/actions"
)

// Call is one parsed action invocation.
type Call struct {
	Name   string
	Action actions.Action
}

// ParseArgs turns the argument words after source and dest into bound
// actions. Every word before the first --name token is an error.
func ParseArgs(args []string) ([]Call, error) {
	var calls []Call
	var name string
	var raw []string

	flush := func() error {
		if name == "" {
			return nil
		}
		act, err := actions.Bind(name, raw)
		if err != nil {
			return err
		}
		calls = append(calls, Call{Name: name, Action: act})
		name, raw = "", nil
		return nil
	}

	for _, a := range args {
		if strings.HasPrefix(a, "--") && len(a) > 2 {
			if err := flush(); err != nil {
				return nil, err
			}
			name = strings.TrimPrefix(a, "--")
			continue
		}
		if name == "" {
			return nil, fmt.Errorf("unexpected argument %q before any action", a)
		}
		raw = append(raw, a)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return calls, nil
}

// LoadYAML reads an action list from a YAML file: a list of maps, each
// with a name key plus the action's own keys.
func LoadYAML(path string) ([]Call, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read action file: %w", err)
	}
	var entries []map[string]any
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse action file: %w", err)
	}
	var calls []Call
	for i, entry := range entries {
		rawName, ok := entry["name"]
		if !ok {
			return nil, fmt.Errorf("action %d: missing name", i)
		}
		name, ok := rawName.(string)
		if !ok {
			return nil, fmt.Errorf("action %d: name must be a string", i)
		}
		args := make(map[string]any, len(entry)-1)
		for k, v := range entry {
			if k == "name" {
				continue
			}
			args[k] = v
		}
		act, err := actions.BindMap(name, args)
		if err != nil {
			return nil, err
		}
		calls = append(calls, Call{Name: name, Action: act})
	}
	return calls, nil
}
