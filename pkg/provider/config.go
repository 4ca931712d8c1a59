package provider

import (
	"encoding/json"
	"fmt"
)

// WorkflowConfig is the declarative per-submodel document handed to the workflow engine.
// It is kept as a generic JSON object so unknown engine options pass through untouched.
type WorkflowConfig map[string]any

// ParseWorkflowConfig decodes a JSON workflow document
func ParseWorkflowConfig(data []byte) (WorkflowConfig, error) {
	var cfg WorkflowConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse workflow config: %w", err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("workflow config is empty")
	}
	return cfg, nil
}

// Marshal encodes the document with stable key order
func (c WorkflowConfig) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "    ")
}

// Clone returns a deep copy of the document
func (c WorkflowConfig) Clone() WorkflowConfig {
	if c == nil {
		return nil
	}
	return cloneValue(map[string]any(c)).(map[string]any)
}

// Object returns the nested object at path, creating missing levels.
// A non-object value found on the path is replaced.
func (c WorkflowConfig) Object(path ...string) map[string]any {
	current := map[string]any(c)
	for _, key := range path {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[key] = next
		}
		current = next
	}
	return current
}

// Lookup returns the value at path without creating anything
func (c WorkflowConfig) Lookup(path ...string) (any, bool) {
	var current any = map[string]any(c)
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Set stores value at path, creating intermediate objects as needed
func (c WorkflowConfig) Set(value any, path ...string) {
	if len(path) == 0 {
		return
	}
	parent := c.Object(path[:len(path)-1]...)
	parent[path[len(path)-1]] = value
}

// ModelPath returns input_model.config.model_path
func (c WorkflowConfig) ModelPath() string {
	v, _ := c.Lookup("input_model", "config", "model_path")
	s, _ := v.(string)
	return s
}

// SetModelPath sets input_model.config.model_path
func (c WorkflowConfig) SetModelPath(modelID string) {
	c.Set(modelID, "input_model", "config", "model_path")
}

// ExecutionProviders returns engine.execution_providers
func (c WorkflowConfig) ExecutionProviders() []string {
	v, _ := c.Lookup("engine", "execution_providers")
	return stringList(v)
}

// PassFlows returns pass_flows as nested string lists
func (c WorkflowConfig) PassFlows() [][]string {
	v, _ := c.Lookup("pass_flows")
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	flows := make([][]string, 0, len(list))
	for _, flow := range list {
		flows = append(flows, stringList(flow))
	}
	return flows
}

// OutputName returns engine.output_name, the prefix of the footprint file
func (c WorkflowConfig) OutputName() string {
	v, _ := c.Lookup("engine", "output_name")
	s, _ := v.(string)
	return s
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return typed
	}
}
