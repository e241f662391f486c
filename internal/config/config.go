// Package config loads the engine's runtime settings and the declarative
// workflow catalog. Settings come from the environment (read in cmd and
// passed in as a lookup function, never via os.Getenv here); the catalog is
// a YAML file describing workflow metadata — name, target, description,
// initial input fields — while step bodies remain Go code registered by
// name against the catalog entry.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arcavia/subflow/internal/form"
	"github.com/arcavia/subflow/internal/outcome"
)

// Executor names the two interchangeable dispatch backends.
const (
	ExecutorThreadpool = "threadpool"
	ExecutorCelery     = "celery"
)

// Settings is the engine's runtime configuration, assembled by cmd from the
// environment and passed down by value.
type Settings struct {
	Executor          string
	MaxWorkers        int
	DatabaseURI       string
	CacheURI          string
	Testing           bool
	EnableWebsockets  bool
	CacheDomainModels bool
	DisableCache      bool
}

// DefaultSettings returns the settings used when no environment overrides
// are present: a five-worker thread pool over an embedded SQLite file.
func DefaultSettings() Settings {
	return Settings{
		Executor:    ExecutorThreadpool,
		MaxWorkers:  5,
		DatabaseURI: "subflow.db",
		CacheURI:    "redis://localhost:6379/0",
	}
}

// SettingsFromEnv builds Settings from lookup, which is os.LookupEnv in cmd
// and a fake in tests. Unset variables keep their defaults; a malformed
// value is an error rather than a silent fallback.
func SettingsFromEnv(lookup func(string) (string, bool)) (Settings, error) {
	s := DefaultSettings()

	if v, ok := lookup("EXECUTOR"); ok {
		switch v {
		case ExecutorThreadpool, ExecutorCelery:
			s.Executor = v
		default:
			return Settings{}, fmt.Errorf("config: EXECUTOR must be %q or %q, got %q", ExecutorThreadpool, ExecutorCelery, v)
		}
	}
	if v, ok := lookup("MAX_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Settings{}, fmt.Errorf("config: MAX_WORKERS must be a positive integer, got %q", v)
		}
		s.MaxWorkers = n
	}
	if v, ok := lookup("DATABASE_URI"); ok {
		s.DatabaseURI = v
	}
	if v, ok := lookup("CACHE_URI"); ok {
		s.CacheURI = v
	}

	for _, b := range []struct {
		name string
		dst  *bool
	}{
		{"TESTING", &s.Testing},
		{"ENABLE_WEBSOCKETS", &s.EnableWebsockets},
		{"CACHE_DOMAIN_MODELS", &s.CacheDomainModels},
		{"AIOCACHE_DISABLE", &s.DisableCache},
	} {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Settings{}, fmt.Errorf("config: %s must be a boolean, got %q", b.name, v)
		}
		*b.dst = parsed
	}

	return s, nil
}

// Catalog is the parsed workflow catalog file.
type Catalog struct {
	Version     string                  `yaml:"version"`
	Workflows   map[string]WorkflowMeta `yaml:"workflows"`
	FixedInputs FixedInputConfiguration `yaml:"fixed_inputs,omitempty"`
}

// WorkflowMeta is the declarative half of one workflow: everything about it
// except the step bodies, which are Go functions registered under Name.
type WorkflowMeta struct {
	Name        string           `yaml:"-"`
	Target      string           `yaml:"target"`
	Description string           `yaml:"description"`
	Inputs      map[string]Input `yaml:"inputs,omitempty"`
}

// Input declares one field of a workflow's initial input form.
type Input struct {
	Type        string          `yaml:"type,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Required    bool            `yaml:"required,omitempty"`
	Default     any             `yaml:"default,omitempty"`
	Validation  InputValidation `yaml:"validation,omitempty"`
}

// InputValidation constrains an Input's accepted values.
type InputValidation struct {
	Enum []string `yaml:"enum,omitempty"`
	Min  *float64 `yaml:"min,omitempty"`
	Max  *float64 `yaml:"max,omitempty"`
}

// UnmarshalYAML accepts the scalar shorthand `speed: number` as well as the
// full mapping form.
func (in *Input) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		in.Type = node.Value
		return nil
	}

	if node.Kind == yaml.MappingNode {
		type InputAlias Input
		alias := (*InputAlias)(in)
		return node.Decode(alias)
	}

	return fmt.Errorf("input must be either a type name or an object")
}

// FixedInputConfiguration mirrors the fixed-input section the validation
// task checks the database against: the allowed values per fixed input, and
// which fixed inputs each product tag carries (and whether required).
type FixedInputConfiguration struct {
	FixedInputs []FixedInput          `yaml:"fixed_inputs,omitempty"`
	ByTag       map[string][]TagField `yaml:"by_tag,omitempty"`
}

// FixedInput names one fixed input and its allowed values.
type FixedInput struct {
	Name   string   `yaml:"name"`
	Values []string `yaml:"values"`
}

// TagField is one fixed-input slot on a product tag. The YAML form is a
// single-pair mapping, field name to a required flag.
type TagField struct {
	Name     string
	Required bool
}

// UnmarshalYAML decodes the single-pair `{port_speed: true}` form.
func (tf *TagField) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("tag field must be a single name-to-required mapping")
	}
	tf.Name = node.Content[0].Value
	return node.Content[1].Decode(&tf.Required)
}

// Load reads and validates the workflow catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read catalog file: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("could not unmarshal catalog: %w", err)
	}

	for name := range catalog.Workflows {
		meta := catalog.Workflows[name]
		meta.Name = name
		catalog.Workflows[name] = meta
	}

	if err := validate(&catalog); err != nil {
		return nil, err
	}

	return &catalog, nil
}

var validTargets = []string{
	string(outcome.TargetCreate),
	string(outcome.TargetModify),
	string(outcome.TargetTerminate),
	string(outcome.TargetValidate),
	string(outcome.TargetSystem),
}

func validate(catalog *Catalog) error {
	if catalog.Version == "" {
		return fmt.Errorf("missing required field: version")
	}

	for name, meta := range catalog.Workflows {
		if err := validateWorkflow(&meta); err != nil {
			return fmt.Errorf("invalid workflow '%s': %w", name, err)
		}
	}

	for i, fi := range catalog.FixedInputs.FixedInputs {
		if fi.Name == "" {
			return fmt.Errorf("fixed input %d: missing name", i)
		}
		if len(fi.Values) == 0 {
			return fmt.Errorf("fixed input '%s': must allow at least one value", fi.Name)
		}
	}
	for tag, fields := range catalog.FixedInputs.ByTag {
		for _, f := range fields {
			if !hasFixedInput(catalog.FixedInputs.FixedInputs, f.Name) {
				return fmt.Errorf("tag '%s' references undeclared fixed input '%s'", tag, f.Name)
			}
		}
	}

	return nil
}

func hasFixedInput(declared []FixedInput, name string) bool {
	for _, fi := range declared {
		if fi.Name == name {
			return true
		}
	}
	return false
}

func validateWorkflow(meta *WorkflowMeta) error {
	if !isValidTarget(meta.Target) {
		return fmt.Errorf("invalid target '%s', must be one of: %s", meta.Target, strings.Join(validTargets, ", "))
	}
	if meta.Description == "" {
		return fmt.Errorf("missing description")
	}

	for inputName, input := range meta.Inputs {
		if err := validateInput(&input); err != nil {
			return fmt.Errorf("invalid input '%s': %w", inputName, err)
		}
	}

	return nil
}

func isValidTarget(target string) bool {
	for _, t := range validTargets {
		if target == t {
			return true
		}
	}
	return false
}

func validateInput(input *Input) error {
	if input.Type != "" {
		validTypes := []string{"string", "boolean", "number", "enum"}
		valid := false
		for _, validType := range validTypes {
			if input.Type == validType {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid input type '%s', must be one of: %v", input.Type, validTypes)
		}
	}

	if len(input.Validation.Enum) > 0 && input.Type != "string" && input.Type != "enum" && input.Type != "" {
		return fmt.Errorf("enum validation is only supported for string inputs")
	}

	if (input.Validation.Min != nil || input.Validation.Max != nil) && input.Type != "number" && input.Type != "" {
		return fmt.Errorf("min/max validation is only supported for number inputs")
	}

	return nil
}

// InitialForm derives the form schema a workflow's declared inputs present
// before the first step runs, fields ordered by name. Workflows with no
// inputs get an empty schema.
func (m WorkflowMeta) InitialForm() form.Schema {
	names := make([]string, 0, len(m.Inputs))
	for name := range m.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]form.Field, 0, len(m.Inputs))
	for _, name := range names {
		in := m.Inputs[name]
		f := form.Field{
			Key:      name,
			Label:    in.Description,
			Type:     fieldType(in),
			Required: in.Required,
			Enum:     in.Validation.Enum,
			Min:      in.Validation.Min,
			Max:      in.Validation.Max,
		}
		if f.Label == "" {
			f.Label = name
		}
		fields = append(fields, f)
	}
	return form.Schema{Title: m.Name, Pages: 1, Fields: fields}
}

func fieldType(in Input) form.FieldType {
	switch {
	case len(in.Validation.Enum) > 0:
		return form.FieldEnum
	case in.Type == "boolean":
		return form.FieldBoolean
	case in.Type == "number":
		return form.FieldNumber
	default:
		return form.FieldString
	}
}
