package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vinayprograms/unfold/internal/analysis"
	"github.com/vinayprograms/unfold/internal/failure"
)

// ParamType is the JSON type of a parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeStrings ParamType = "array"
)

// Param describes one tool parameter.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Default     interface{}
	// Rules are validator tags applied to the coerced value, e.g. "min=1,max=1024".
	Rules string
	Enum  []string
	// Address parameters must parse as a binary offset and are rendered
	// canonically ("0x401000").
	Address bool
	// Target parameters accept a symbol name or an address; addresses are
	// rendered canonically.
	Target bool
}

func (p Param) schema() map[string]interface{} {
	s := map[string]interface{}{
		"type":        string(p.Type),
		"description": p.Description,
	}
	if p.Type == TypeStrings {
		s["items"] = map[string]interface{}{"type": "string"}
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	return s
}

// Args are normalized invocation arguments.
type Args map[string]interface{}

// String returns the string argument name, or "".
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns the integer argument name, or 0.
func (a Args) Int(name string) int {
	n, _ := a[name].(int)
	return n
}

// Bool returns the boolean argument name.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Strings returns the string-list argument name.
func (a Args) Strings(name string) []string {
	s, _ := a[name].([]string)
	return s
}

// Canonical returns the arguments as JSON with sorted keys. Two
// invocations with equal normalized arguments produce equal strings.
func (a Args) Canonical() string {
	if len(a) == 0 {
		return "{}"
	}
	data, err := json.Marshal(map[string]interface{}(a))
	if err != nil {
		keys := make([]string, 0, len(a))
		for k := range a {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("%v", keys)
	}
	return string(data)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_:.$@]*$`)

var validate = func() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	return v
}()

// normalize validates raw against spec and returns the normalized args
// with defaults applied.
func normalize(spec *Spec, raw map[string]interface{}) (Args, error) {
	known := make(map[string]bool, len(spec.Params))
	for _, p := range spec.Params {
		known[p.Name] = true
	}
	for name := range raw {
		if !known[name] {
			return nil, failure.New(failure.Validation, spec.Name, "unknown parameter %q", name)
		}
	}

	args := make(Args, len(spec.Params))
	for _, p := range spec.Params {
		v, present := raw[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, failure.New(failure.Validation, spec.Name, "missing required parameter %q", p.Name)
			}
			if p.Default == nil {
				continue
			}
			v = p.Default
		}
		val, err := p.coerce(v)
		if err != nil {
			return nil, failure.New(failure.Validation, spec.Name, "parameter %q: %v", p.Name, err)
		}
		args[p.Name] = val
	}
	return args, nil
}

func (p Param) coerce(v interface{}) (interface{}, error) {
	var out interface{}
	switch p.Type {
	case TypeString:
		s, err := asString(v, p.Address || p.Target)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		switch {
		case p.Address:
			addr, err := analysis.ParseAddress(s)
			if err != nil {
				return nil, fmt.Errorf("%q is not a valid address", s)
			}
			s = analysis.FormatAddress(addr)
		case p.Target:
			if s == "" {
				return nil, fmt.Errorf("must name a function or address")
			}
			if canon, ok := targetAddress(s); ok {
				s = canon
			}
		}
		if len(p.Enum) > 0 && !contains(p.Enum, s) {
			return nil, fmt.Errorf("must be one of %s", strings.Join(p.Enum, ", "))
		}
		out = s
	case TypeInteger:
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		out = n
	case TypeBoolean:
		b, err := asBool(v)
		if err != nil {
			return nil, err
		}
		out = b
	case TypeStrings:
		list, err := asStrings(v)
		if err != nil {
			return nil, err
		}
		out = list
	default:
		return nil, fmt.Errorf("unsupported parameter type %q", p.Type)
	}

	if p.Rules != "" {
		if err := validate.Var(out, p.Rules); err != nil {
			return nil, ruleError(err)
		}
	}
	return out, nil
}

// targetAddress recognizes "0x401000" and "401000h" as addresses. Anything
// else, including bare decimals, is a symbol name.
func targetAddress(s string) (string, bool) {
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "0x") && !(strings.HasSuffix(lower, "h") && isHex(lower[:len(lower)-1])) {
		return "", false
	}
	return analysis.NormalizeAddress(s)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 16, 64)
	return err == nil
}

func asString(v interface{}, numeric bool) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		if numeric && t == math.Trunc(t) && t >= 0 {
			return analysis.FormatAddress(uint64(t)), nil
		}
	case int:
		if numeric && t >= 0 {
			return analysis.FormatAddress(uint64(t)), nil
		}
	case json.Number:
		if numeric {
			if n, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
				return analysis.FormatAddress(n), nil
			}
		}
	}
	return "", fmt.Errorf("expected a string, got %T", v)
}

func asInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("expected an integer, got %v", t)
		}
		return int(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %s", t)
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", t)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

func asBool(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, fmt.Errorf("expected a boolean, got %q", t)
		}
		return b, nil
	}
	return false, fmt.Errorf("expected a boolean, got %T", v)
}

func asStrings(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return append([]string{}, t...), nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("item %d: expected a string, got %T", i, item)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		// A single value where a list was expected.
		if t == "" {
			return []string{}, nil
		}
		return []string{t}, nil
	}
	return nil, fmt.Errorf("expected a list of strings, got %T", v)
}

func ruleError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fmt.Errorf("violates %s=%s", fe.Tag(), fe.Param())
		}
		return fmt.Errorf("violates %s", fe.Tag())
	}
	return err
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
