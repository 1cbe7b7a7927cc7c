package registry

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/llmdock/internal/flags"
)

// Port bounds for service definitions.
const (
	MinPort = 1024
	MaxPort = 65535
)

// Definition is one registered inference service.
type Definition struct {
	Engine          flags.Engine `json:"engine_type"`
	Port            int          `json:"port"`
	Alias           string       `json:"alias"`
	APIKey          string       `json:"api_key"`
	ModelReference  string       `json:"model_reference"`
	MMProjReference string       `json:"mmproj_reference,omitempty"`
	Flags           *flags.Map   `json:"flags"`
}

// MarshalJSON writes a nil Flags as an empty object.
func (d Definition) MarshalJSON() ([]byte, error) {
	type plain Definition
	p := plain(d)
	p.Flags = flags.OrEmpty(d.Flags)
	return json.Marshal(p)
}

// Clone returns a deep copy of d.
func (d Definition) Clone() Definition {
	d.Flags = d.Flags.Clone()
	return d
}

// Problems validates d against its engine schema and returns every problem
// found. An empty result means d can be persisted.
func (d Definition) Problems() []string {
	var problems []string

	schema, err := flags.SchemaFor(d.Engine)
	if err != nil {
		return append(problems, fmt.Sprintf("engine_type %q is not supported (want llamacpp or vllm)", d.Engine))
	}

	for _, field := range schema.Mandatory {
		if d.field(field) == "" {
			problems = append(problems, field+" is required")
		}
	}
	if d.Port != 0 && (d.Port < MinPort || d.Port > MaxPort) {
		problems = append(problems, fmt.Sprintf("port %d out of range [%d, %d]", d.Port, MinPort, MaxPort))
	}
	for _, v := range []struct{ name, value string }{
		{"alias", d.Alias},
		{"api_key", d.APIKey},
		{"model_reference", d.ModelReference},
		{"mmproj_reference", d.MMProjReference},
	} {
		if err := flags.ValidateValue(v.value); err != nil {
			problems = append(problems, v.name+": "+err.Error())
		}
	}
	if d.Engine == flags.VLLM && d.MMProjReference != "" {
		problems = append(problems, "mmproj_reference is only supported by llamacpp")
	}
	return append(problems, schema.Validate(d.Flags)...)
}

func (d Definition) field(name string) string {
	switch name {
	case "port":
		if d.Port == 0 {
			return ""
		}
		return fmt.Sprint(d.Port)
	case "model_reference":
		return d.ModelReference
	case "alias":
		return d.Alias
	case "api_key":
		return d.APIKey
	}
	return ""
}
