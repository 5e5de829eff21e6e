package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/phrazzld/discover-tasks/internal/config"
	"github.com/phrazzld/discover-tasks/internal/domain"
)

// Definition errors
var (
	ErrUnknownPipeline   = errors.New("unknown pipeline kind")
	ErrDuplicatePipeline = errors.New("pipeline kind already registered")
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
)

// BuildFunc returns the parameters of a stage Task. prev is the Task of the
// preceding stage, nil for the first stage.
type BuildFunc func(p *domain.Pipeline, prev *domain.Task) (json.RawMessage, error)

// Stage is one step of a Definition.
type Stage struct {
	Name     string
	TaskKind string
	Build    BuildFunc
}

// Definition is the ordered list of stages of a pipeline kind.
type Definition struct {
	Kind   string
	Stages []Stage
}

// Index returns the position of the stage called name, or -1.
func (d Definition) Index(name string) int {
	for i, s := range d.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func (d Definition) validate() error {
	if d.Kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidDefinition)
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("%w: %s has no stages", ErrInvalidDefinition, d.Kind)
	}
	seen := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		switch {
		case s.Name == "" || s.TaskKind == "":
			return fmt.Errorf("%w: %s has a stage without name or task kind", ErrInvalidDefinition, d.Kind)
		case s.Build == nil:
			return fmt.Errorf("%w: stage %s of %s cannot build its parameters", ErrInvalidDefinition, s.Name, d.Kind)
		case seen[s.Name]:
			return fmt.Errorf("%w: %s declares stage %s twice", ErrInvalidDefinition, d.Kind, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Registry holds the known pipeline kinds.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates a Registry holding defs.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a Definition.
func (r *Registry) Register(d Definition) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[d.Kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePipeline, d.Kind)
	}
	r.defs[d.Kind] = d
	return nil
}

// Get returns the Definition of kind.
func (r *Registry) Get(kind string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[kind]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownPipeline, kind)
	}
	return d, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.defs))
	for k := range r.defs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Watermarks detects watermark regions, then compares the extracted crops.
func Watermarks() Definition {
	return Definition{
		Kind: "watermarks",
		Stages: []Stage{
			{
				Name:     "regions",
				TaskKind: "regions",
				Build: Parameters("regions", map[string]any{
					"model":       "fasterrcnn_watermarks.pth",
					"postprocess": "watermarks",
				}),
			},
			{
				Name:     "similarity",
				TaskKind: "similarity",
				Build: Parameters("similarity", map[string]any{
					"feat_net":  "resnet18_watermarks",
					"algorithm": "cosine",
				}),
			},
		},
	}
}

// FromConfig turns configured pipelines into Definitions.
func FromConfig(cfgs []config.PipelineConfig) []Definition {
	defs := make([]Definition, 0, len(cfgs))
	for _, c := range cfgs {
		d := Definition{Kind: c.Kind}
		for _, s := range c.Stages {
			d.Stages = append(d.Stages, Stage{
				Name:     s.Name,
				TaskKind: s.TaskKind,
				Build:    Parameters(s.Name, s.Parameters),
			})
		}
		defs = append(defs, d)
	}
	return defs
}

// Parameters builds stage parameters from defaults, overridden by the
// object found under stage in the Pipeline parameters. When there is a
// previous stage its Task id, stage name and output are passed on under
// "previous".
func Parameters(stage string, defaults map[string]any) BuildFunc {
	return func(p *domain.Pipeline, prev *domain.Task) (json.RawMessage, error) {
		params := make(map[string]any, len(defaults)+1)
		for k, v := range defaults {
			params[k] = v
		}

		if len(p.Parameters) > 0 {
			var overrides map[string]json.RawMessage
			if err := json.Unmarshal(p.Parameters, &overrides); err != nil {
				return nil, fmt.Errorf("%w: pipeline parameters must be an object: %v", domain.ErrInvalidParameters, err)
			}
			if raw, ok := overrides[stage]; ok {
				var own map[string]any
				if err := json.Unmarshal(raw, &own); err != nil {
					return nil, fmt.Errorf("%w: parameters of stage %s must be an object: %v", domain.ErrInvalidParameters, stage, err)
				}
				for k, v := range own {
					params[k] = v
				}
			}
		}

		if prev != nil {
			previous := map[string]any{"task_id": prev.ID, "stage": prev.Stage}
			if len(prev.Output) > 0 {
				previous["output"] = prev.Output
			}
			params["previous"] = previous
		}
		return json.Marshal(params)
	}
}
