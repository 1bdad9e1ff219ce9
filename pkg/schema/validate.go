package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomtest/loom/pkg/vars"
)

// ValidationError is a single validation finding with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // e.g. "steps[2].then[0]"
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateFile runs the full validation pipeline on a test case file:
// structural (YAML decode), semantic (JSON Schema), domain (Go rules).
func ValidateFile(path string) (*TestCase, []*ValidationError) {
	tc, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return tc, Validate(tc)
}

// Validate runs semantic and domain validation on a parsed test case.
func Validate(tc *TestCase) []*ValidationError {
	var all []*ValidationError
	all = append(all, validateSemantic(tc)...)
	all = append(all, validateDomain(tc)...)
	return all
}

// ValidateModule runs domain validation on a parsed module definition.
func ValidateModule(m *ModuleDef) []*ValidationError {
	var errs []*ValidationError
	if len(m.Steps) == 0 {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     "steps",
			Message:  "module has no steps",
			Severity: "error",
		})
	}
	for _, p := range m.Params {
		if !identifierRe.MatchString(p) {
			errs = append(errs, &ValidationError{
				Phase:    "domain",
				Path:     "params",
				Message:  fmt.Sprintf("invalid parameter name %q", p),
				Severity: "error",
			})
		}
	}
	errs = append(errs, validateSteps(m.Steps, "steps")...)
	return errs
}

// compiledTestCaseSchema generates and compiles the test case JSON
// Schema exactly once per process; the schema is fixed at build time,
// so recompiling it per Validate call would be pure waste.
var compiledTestCaseSchema = sync.OnceValues(func() (*sjsonschema.Schema, error) {
	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return nil, fmt.Errorf("generate schema: %w", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource("testcase.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("testcase.json")
})

// validateSemantic checks the document against the generated JSON
// Schema by round-tripping it through JSON.
func validateSemantic(tc *TestCase) []*ValidationError {
	fail := func(msg string) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: msg, Severity: "error"}}
	}

	data, err := json.Marshal(tc)
	if err != nil {
		return fail(fmt.Sprintf("marshal for schema validation: %v", err))
	}

	sch, err := compiledTestCaseSchema()
	if err != nil {
		return fail(fmt.Sprintf("compile schema: %v", err))
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fail(fmt.Sprintf("unmarshal document: %v", err))
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Message:  err.Error(),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// validateDomain applies the step grammar rules the JSON Schema cannot
// express.
func validateDomain(tc *TestCase) []*ValidationError {
	var errs []*ValidationError
	if tc.Name == "" {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     "name",
			Message:  "test case has no name",
			Severity: "error",
		})
	}
	if len(tc.Steps) == 0 {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     "steps",
			Message:  "test case has no steps",
			Severity: "error",
		})
	}
	errs = append(errs, validateSteps(tc.Steps, "steps")...)
	return errs
}

func validateSteps(steps []Step, base string) []*ValidationError {
	var errs []*ValidationError
	for i := range steps {
		errs = append(errs, validateStep(&steps[i], fmt.Sprintf("%s[%d]", base, i))...)
	}
	return errs
}

func validateStep(s *Step, path string) []*ValidationError {
	var errs []*ValidationError
	add := func(msg string) {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     path,
			Message:  msg,
			Severity: "error",
		})
	}

	constructs := 0
	if s.Action != "" {
		constructs++
	}
	if s.If != "" {
		constructs++
	}
	if s.ForEach != nil {
		constructs++
	}
	if s.UseModule != "" {
		constructs++
	}
	switch constructs {
	case 0:
		add("step must have exactly one of action, if, for_each, use_module")
		return errs
	case 1:
	default:
		add("step mixes multiple constructs; use exactly one of action, if, for_each, use_module")
	}

	if (len(s.Then) > 0 || len(s.Else) > 0) && s.If == "" {
		add("then/else require an if condition")
	}
	if s.If != "" && len(s.Then) == 0 && len(s.Else) == 0 {
		add("if requires a then or else branch")
	}
	if len(s.Do) > 0 && s.ForEach == nil {
		add("do requires for_each")
	}
	if s.ForEach != nil && len(s.Do) == 0 {
		add("for_each requires a do body")
	}
	if (s.As != "" || s.IndexAs != "" || s.Flags) && s.ForEach == nil {
		add("as/index_as/flags are only valid with for_each")
	}
	if len(s.Params) > 0 && s.UseModule == "" {
		add("params are only valid with use_module")
	}
	if len(s.Args) > 0 && s.Action == "" {
		for k := range s.Args {
			add(fmt.Sprintf("unknown field %q", k))
		}
	}

	if s.As != "" && !identifierRe.MatchString(s.As) {
		add(fmt.Sprintf("invalid loop variable name %q", s.As))
	}
	if s.IndexAs != "" && !identifierRe.MatchString(s.IndexAs) {
		add(fmt.Sprintf("invalid loop index name %q", s.IndexAs))
	}
	if s.Register != "" && !identifierRe.MatchString(s.Register) {
		add(fmt.Sprintf("invalid register name %q", s.Register))
	}
	if s.Scope != "" {
		if _, err := vars.ParseScope(s.Scope); err != nil {
			add(fmt.Sprintf("invalid scope %q", s.Scope))
		}
	}
	if s.Retries != nil && *s.Retries < 0 {
		add("retries must be >= 0")
	}
	if s.RetryDelay != "" {
		if _, err := time.ParseDuration(s.RetryDelay); err != nil {
			add(fmt.Sprintf("invalid retry_delay %q", s.RetryDelay))
		}
	}
	if (s.Expect != "" || s.Register != "" || s.Retries != nil || s.NonRetryable) && s.Action == "" {
		add("expect/register/retries/non_retryable are only valid on action steps")
	}

	errs = append(errs, validateSteps(s.Then, path+".then")...)
	errs = append(errs, validateSteps(s.Else, path+".else")...)
	errs = append(errs, validateSteps(s.Do, path+".do")...)
	return errs
}
