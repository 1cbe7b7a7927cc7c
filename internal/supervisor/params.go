package supervisor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/zulandar/llmdock/internal/flags"
	"github.com/zulandar/llmdock/internal/registry"
)

// MaxParams bounds the number of caller parameters on one run.
const MaxParams = 50

// MaxServiceNameLen bounds service names accepted by Request.
const MaxServiceNameLen = 100

// Reserved flags are always supplied by the supervisor: the model path and
// the output format, in both spellings llama-bench accepts. Caller values for
// them are never passed through.
var reservedFlags = map[string]bool{
	"-m": true, "--model": true,
	"-o": true, "--output": true,
}

// benchOnlyFlags only make sense to llama-bench and are never copied into a
// service definition by ApplyParams.
var benchOnlyFlags = map[string]bool{
	"-p": true, "--n-prompt": true,
	"-n": true, "--n-gen": true,
	"-r": true, "--repetitions": true,
	"-m": true, "--model": true,
	"-o": true, "--output": true,
}

// DefaultBenchParams seed DefaultParams.
var DefaultBenchParams = []string{"-p", "512", "-n", "128", "-r", "5"}

var (
	paramFlagRe   = regexp.MustCompile(`^--?[a-zA-Z][a-zA-Z0-9\-]*$`)
	serviceNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-_]*$`)
)

// ErrInvalidParams is wrapped by every parameter validation failure.
var ErrInvalidParams = errors.New("supervisor: invalid parameters")

// IsReserved reports whether flag is controlled by the supervisor. A
// "--flag=value" spelling is judged by its flag part.
func IsReserved(flag string) bool { return reservedFlags[flagName(flag)] }

// IsBenchOnly reports whether flag is meaningful only to llama-bench.
func IsBenchOnly(flag string) bool { return benchOnlyFlags[flagName(flag)] }

func flagName(flag string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(flag), "=")
	return name
}

// ValidateServiceName checks a service name received from a caller.
func ValidateServiceName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: service name is required", ErrInvalidParams)
	case len(name) > MaxServiceNameLen:
		return fmt.Errorf("%w: service name too long", ErrInvalidParams)
	case !serviceNameRe.MatchString(name):
		return fmt.Errorf("%w: service name %q contains invalid characters", ErrInvalidParams, name)
	}
	return nil
}

// ValidateParams checks caller-supplied llama-bench parameters. Reserved
// flags are rejected outright here; Start additionally drops them.
func ValidateParams(params *flags.Map) error {
	if params.Len() > MaxParams {
		return fmt.Errorf("%w: too many parameters (max %d)", ErrInvalidParams, MaxParams)
	}
	var err error
	params.Each(func(flag, value string) {
		if err != nil {
			return
		}
		switch {
		case flag == "":
			err = fmt.Errorf("%w: flag name cannot be empty", ErrInvalidParams)
		case !strings.HasPrefix(flag, "-"):
			err = fmt.Errorf("%w: flag must start with '-': %s", ErrInvalidParams, flag)
		case IsReserved(flag):
			err = fmt.Errorf("%w: reserved flag cannot be overridden: %s", ErrInvalidParams, flag)
		case !paramFlagRe.MatchString(flag):
			err = fmt.Errorf("%w: invalid flag format: %s", ErrInvalidParams, flag)
		default:
			if verr := flags.ValidateValue(value); verr != nil {
				err = fmt.Errorf("%w: %s: %v", ErrInvalidParams, flag, verr)
			}
		}
	})
	return err
}

// unquote trims value and strips one layer of matching quotes.
func unquote(value string) string {
	v := strings.TrimSpace(value)
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' || first == '\'') && first == last {
			v = v[1 : len(v)-1]
		}
	}
	return v
}

// DefaultParams returns the suggested llama-bench parameters for a service:
// the standard prompt/generation/repetition counts followed by the service's
// own flags translated to CLI tokens.
func DefaultParams(def registry.Definition) (*flags.Map, error) {
	if def.Engine != flags.LlamaCpp {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEngine, def.Engine)
	}
	schema, err := flags.SchemaFor(def.Engine)
	if err != nil {
		return nil, err
	}

	out := flags.FromPairs(DefaultBenchParams...)
	def.Flags.Each(func(name, value string) {
		token := name
		if spec, ok := schema.Lookup(name); ok {
			if spec.Kind == flags.KindEnv {
				return
			}
			token = spec.Token
			if spec.Kind == flags.KindBool {
				if !flags.Truthy(value) {
					return
				}
				value = ""
			}
		} else if flags.ValidateToken(name) != nil {
			return
		}
		if IsReserved(token) {
			return
		}
		out.Set(token, value)
	})
	return out, nil
}
