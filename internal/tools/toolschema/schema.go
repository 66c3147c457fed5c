// Package toolschema generates and enforces the input schemas of the
// desktop tools. Schemas are reflected from Go input structs with invopop
// and compiled once with santhosh-tekuri/jsonschema.
package toolschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	reflector "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/deskpilot/internal/agent"
)

// Reflect returns the JSON schema for the struct type of v. Fields without
// omitempty are required; unknown fields are allowed.
func Reflect(v any) string {
	r := &reflector.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		// Reflected schemas are plain maps and always marshal.
		panic(fmt.Sprintf("toolschema: marshal schema: %v", err))
	}
	return string(data)
}

// Validator validates raw tool input against a compiled schema.
type Validator struct {
	name   string
	source func() string

	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

// NewValidator compiles the schema produced by source on first use.
func NewValidator(name string, source func() string) *Validator {
	return &Validator{name: name, source: source}
}

// ForStruct returns a validator for the schema reflected from v.
func ForStruct(name string, v any) *Validator {
	return NewValidator(name, func() string { return Reflect(v) })
}

// Schema returns the schema text.
func (v *Validator) Schema() json.RawMessage {
	return json.RawMessage(v.source())
}

// Validate checks raw against the schema. Violations are returned as
// invalid-input tool errors so the model can correct its call.
func (v *Validator) Validate(raw json.RawMessage) error {
	v.once.Do(func() {
		v.compiled, v.err = jsonschema.CompileString(v.name+".json", v.source())
		if v.err != nil {
			v.err = fmt.Errorf("compile %s schema: %w", v.name, v.err)
		}
	})
	if v.err != nil {
		return v.err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return agent.ToolErrorf(agent.ToolErrorInvalidInput, "invalid input: %v", err)
	}
	if err := v.compiled.Validate(doc); err != nil {
		return agent.ToolErrorf(agent.ToolErrorInvalidInput, "invalid input: %s", describe(err))
	}
	return nil
}

func describe(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	loc := verr.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, verr.Message)
}
