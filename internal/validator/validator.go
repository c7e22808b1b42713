// Package validator validates tool-call arguments against a tool's declared
// JSON schema before ToolExecutor runs it (spec §4.6, §7 ToolArgumentsInvalid).
package validator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pixyhq/pixy-agent/internal/providers"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

// Validator compiles and caches one jsonschema.Schema per distinct tool
// name and schema, keyed by the name plus the schema's raw bytes. Grounded on the teacher's
// pkg/pluginsdk/validation.go compileSchema caching pattern.
type Validator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func New() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks call.Arguments against tool.Parameters, returning a
// *providers.Error{Code: ToolArgumentsInvalid} on failure. A nil or empty
// Parameters schema accepts any arguments.
func (v *Validator) Validate(tool models.Tool, call models.ToolCall) error {
	if len(tool.Parameters) == 0 {
		return nil
	}

	schema, err := v.compile(tool.Name, tool.Parameters)
	if err != nil {
		return providers.Wrap(providers.ErrToolArgumentsInvalid, fmt.Errorf("compile schema for %q: %w", tool.Name, err))
	}

	args := call.Arguments
	if len(args) == 0 {
		args = []byte("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return providers.Wrap(providers.ErrToolArgumentsInvalid, fmt.Errorf("decode arguments for %q: %w", tool.Name, err))
	}

	if err := schema.Validate(decoded); err != nil {
		return providers.Wrap(providers.ErrToolArgumentsInvalid, fmt.Errorf("arguments for %q: %w", tool.Name, err))
	}
	return nil
}

func (v *Validator) compile(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := name + "\x00" + string(schema)

	v.mu.Lock()
	if cached, ok := v.cache[key]; ok {
		v.mu.Unlock()
		return cached, nil
	}
	v.mu.Unlock()

	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}
