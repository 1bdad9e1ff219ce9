package schema

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleTestCase = `
name: checkout-flow
description: exercise the checkout happy path
vars:
  user: alice
  max_items: 3
steps:
  - description: open the cart
    action: navigate
    url: "https://shop.test/cart"
    retries: 2
    retry_delay: 250ms
  - if: "${max_items} > 1"
    then:
      - action: click
        selector: "#bulk"
    else:
      - action: click
        selector: "#single"
  - for_each: "${items}"
    as: item
    index_as: idx
    flags: true
    do:
      - action: click
        selector: "#item-${idx}"
  - use_module: login
    params:
      username: "${user}"
  - description: confirm order total
    action: read_text
    selector: "#total"
    register: total
    scope: test_case
    expect: "${total} != ''"
`

func TestLoad_FullDocument(t *testing.T) {
	tc, err := Load(strings.NewReader(sampleTestCase))
	if err != nil {
		t.Fatal(err)
	}
	if tc.Name != "checkout-flow" {
		t.Errorf("name: %q", tc.Name)
	}
	if len(tc.Steps) != 5 {
		t.Fatalf("steps: %d", len(tc.Steps))
	}
	if tc.Vars["user"] != "alice" {
		t.Errorf("vars: %v", tc.Vars)
	}

	action := tc.Steps[0]
	if action.Action != "navigate" {
		t.Errorf("action: %q", action.Action)
	}
	if action.Args["url"] != "https://shop.test/cart" {
		t.Errorf("args: %v", action.Args)
	}
	if action.Retries == nil || *action.Retries != 2 {
		t.Errorf("retries: %v", action.Retries)
	}
	if action.RetryDelay != "250ms" {
		t.Errorf("retry_delay: %q", action.RetryDelay)
	}

	cond := tc.Steps[1]
	if cond.If == "" || len(cond.Then) != 1 || len(cond.Else) != 1 {
		t.Errorf("conditional: %+v", cond)
	}

	loop := tc.Steps[2]
	if loop.ForEach != "${items}" || loop.As != "item" || loop.IndexAs != "idx" || !loop.Flags {
		t.Errorf("loop: %+v", loop)
	}
	if len(loop.Do) != 1 {
		t.Errorf("do: %d", len(loop.Do))
	}

	mod := tc.Steps[3]
	if mod.UseModule != "login" || mod.Params["username"] != "${user}" {
		t.Errorf("module: %+v", mod)
	}

	reg := tc.Steps[4]
	if reg.Register != "total" || reg.Scope != "test_case" || reg.Expect == "" {
		t.Errorf("register: %+v", reg)
	}
}

func TestStep_ArgsSweep(t *testing.T) {
	yamlDoc := `
name: t
steps:
  - action: type_text
    selector: "#name"
    text: hello
    clear_first: true
`
	tc, err := Load(strings.NewReader(yamlDoc))
	if err != nil {
		t.Fatal(err)
	}
	args := tc.Steps[0].Args
	if args["selector"] != "#name" || args["text"] != "hello" || args["clear_first"] != true {
		t.Errorf("args: %v", args)
	}
	if _, ok := args["action"]; ok {
		t.Error("grammar key leaked into args")
	}
}

func TestStep_Construct(t *testing.T) {
	cases := []struct {
		step Step
		want string
	}{
		{Step{Action: "click"}, "action"},
		{Step{If: "x"}, "conditional"},
		{Step{ForEach: "x"}, "loop"},
		{Step{UseModule: "m"}, "module"},
		{Step{}, "unknown"},
	}
	for _, c := range cases {
		if got := c.step.Construct(); got != c.want {
			t.Errorf("got %q, want %q", got, c.want)
		}
	}
}

func TestValidate_OK(t *testing.T) {
	tc, err := Load(strings.NewReader(sampleTestCase))
	if err != nil {
		t.Fatal(err)
	}
	if errs := Validate(tc); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

// A conditional may carry only an else branch; either branch list may
// be empty as long as one is present.
func TestValidate_ElseOnlyConditional(t *testing.T) {
	yamlDoc := "name: t\nsteps:\n  - if: \"x > 1\"\n    else:\n      - action: click\n"
	tc, err := Load(strings.NewReader(yamlDoc))
	if err != nil {
		t.Fatal(err)
	}
	if errs := Validate(tc); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

// The generated JSON Schema is compiled once per process and reused.
func TestValidate_SchemaCompiledOnce(t *testing.T) {
	s1, err := compiledTestCaseSchema()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := compiledTestCaseSchema()
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("schema compiled more than once")
	}
}

func TestValidate_DomainRules(t *testing.T) {
	cases := []struct {
		name    string
		yamlDoc string
		wantMsg string
	}{
		{
			"no construct",
			"name: t\nsteps:\n  - description: nothing here\n",
			"exactly one of",
		},
		{
			"mixed constructs",
			"name: t\nsteps:\n  - action: click\n    if: \"x\"\n    then:\n      - action: click\n",
			"mixes multiple constructs",
		},
		{
			"then without if",
			"name: t\nsteps:\n  - action: click\n    then:\n      - action: click\n",
			"then/else require",
		},
		{
			"if without any branch",
			"name: t\nsteps:\n  - if: \"x > 1\"\n",
			"requires a then or else branch",
		},
		{
			"for_each without do",
			"name: t\nsteps:\n  - for_each: \"${items}\"\n",
			"requires a do body",
		},
		{
			"as without for_each",
			"name: t\nsteps:\n  - action: click\n    as: item\n",
			"only valid with for_each",
		},
		{
			"bad scope",
			"name: t\nsteps:\n  - action: click\n    scope: universe\n",
			"invalid scope",
		},
		{
			"negative retries",
			"name: t\nsteps:\n  - action: click\n    retries: -1\n",
			"retries must be >= 0",
		},
		{
			"bad retry_delay",
			"name: t\nsteps:\n  - action: click\n    retry_delay: soon\n",
			"invalid retry_delay",
		},
		{
			"no steps",
			"name: t\nsteps: []\n",
			"no steps",
		},
		{
			"nested error path",
			"name: t\nsteps:\n  - if: \"x\"\n    then:\n      - description: empty\n",
			"exactly one of",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tc, err := Load(strings.NewReader(c.yamlDoc))
			if err != nil {
				t.Fatal(err)
			}
			errs := Validate(tc)
			if len(errs) == 0 {
				t.Fatal("expected validation errors")
			}
			found := false
			for _, e := range errs {
				if strings.Contains(e.Message, c.wantMsg) {
					found = true
				}
			}
			if !found {
				t.Errorf("no error containing %q in %v", c.wantMsg, errs)
			}
		})
	}
}

func TestValidate_NestedPath(t *testing.T) {
	yamlDoc := "name: t\nsteps:\n  - if: \"x\"\n    then:\n      - description: empty\n"
	tc, err := Load(strings.NewReader(yamlDoc))
	if err != nil {
		t.Fatal(err)
	}
	errs := Validate(tc)
	found := false
	for _, e := range errs {
		if e.Path == "steps[0].then[0]" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected error at steps[0].then[0], got %v", errs)
	}
}

func TestDirLoader(t *testing.T) {
	dir := t.TempDir()
	moduleYAML := `
description: log in as a user
params: [username]
steps:
  - action: type_text
    selector: "#user"
    text: "${username}"
`
	if err := os.WriteFile(filepath.Join(dir, "login.yaml"), []byte(moduleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	l := &DirLoader{Dir: dir}
	m, err := l.LoadModule("login")
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "login" {
		t.Errorf("name: %q", m.Name)
	}
	if len(m.Params) != 1 || m.Params[0] != "username" {
		t.Errorf("params: %v", m.Params)
	}
	if len(m.Steps) != 1 {
		t.Errorf("steps: %d", len(m.Steps))
	}
}

func TestDirLoader_NotFound(t *testing.T) {
	l := &DirLoader{Dir: t.TempDir()}
	_, err := l.LoadModule("ghost")
	if !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
}

func TestDirLoader_RejectsTraversal(t *testing.T) {
	l := &DirLoader{Dir: t.TempDir()}
	if _, err := l.LoadModule("../etc/passwd"); err == nil {
		t.Fatal("expected error for traversal name")
	}
	if _, err := l.LoadModule("a/b"); err == nil {
		t.Fatal("expected error for path separator")
	}
}

func TestGenerateJSONSchema(t *testing.T) {
	data, err := GenerateJSONSchema()
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if doc["$id"] == "" {
		t.Error("missing $id")
	}
}
