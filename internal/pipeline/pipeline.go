// Package pipeline loads pipeline definitions and executes runs of them.
//
// A pipeline is a named graph of steps. Each step runs a command; steps start
// once all steps they depend on succeeded. Independent steps run in parallel.
package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrStepNotFound     = errors.New("step not found")
	ErrInvalid          = errors.New("invalid pipeline definition")
)

type Step struct {
	Key       string            `yaml:"key" json:"key"`
	Command   []string          `yaml:"command" json:"command"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

type Pipeline struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

func (p *Pipeline) Step(key string) (Step, bool) {
	i := slices.IndexFunc(p.Steps, func(s Step) bool { return s.Key == key })
	if i < 0 {
		return Step{}, false
	}
	return p.Steps[i], true
}

// Validate checks keys, commands, dependencies and that the graph is acyclic.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: pipeline without name", ErrInvalid)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: pipeline %q has no steps", ErrInvalid, p.Name)
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for _, s := range p.Steps {
		if s.Key == "" {
			return fmt.Errorf("%w: pipeline %q has a step without key", ErrInvalid, p.Name)
		}
		if _, ok := seen[s.Key]; ok {
			return fmt.Errorf("%w: pipeline %q: duplicate step %q", ErrInvalid, p.Name, s.Key)
		}
		seen[s.Key] = struct{}{}
		if len(s.Command) == 0 || s.Command[0] == "" {
			return fmt.Errorf("%w: step %q has no command", ErrInvalid, s.Key)
		}
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.Key {
				return fmt.Errorf("%w: step %q depends on itself", ErrInvalid, s.Key)
			}
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalid, s.Key, dep)
			}
		}
	}
	if _, err := p.levels(); err != nil {
		return err
	}
	return nil
}

// Levels groups steps into layers: every step depends only on steps of
// previous layers. Steps keep their definition order inside a layer.
func (p *Pipeline) Levels() [][]Step {
	levels, err := p.levels()
	if err != nil {
		panic(err) // validated pipelines are acyclic
	}
	return levels
}

func (p *Pipeline) levels() ([][]Step, error) {
	done := make(map[string]struct{}, len(p.Steps))
	var levels [][]Step
	for len(done) < len(p.Steps) {
		var level []Step
		for _, s := range p.Steps {
			if _, ok := done[s.Key]; ok {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if _, ok := done[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, s)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("%w: pipeline %q has a dependency cycle", ErrInvalid, p.Name)
		}
		for _, s := range level {
			done[s.Key] = struct{}{}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// SubPipeline returns a pipeline with the selected steps only. Dependencies on
// steps outside of the selection are dropped. An empty selection keeps all steps.
func (p *Pipeline) SubPipeline(keys []string) (*Pipeline, error) {
	if len(keys) == 0 {
		return p, nil
	}
	selected := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := p.Step(k); !ok {
			return nil, fmt.Errorf("pipeline %q, step %q: %w", p.Name, k, ErrStepNotFound)
		}
		selected[k] = struct{}{}
	}

	sub := &Pipeline{Name: p.Name, Description: p.Description}
	for _, s := range p.Steps {
		if _, ok := selected[s.Key]; !ok {
			continue
		}
		s.DependsOn = slices.DeleteFunc(slices.Clone(s.DependsOn), func(dep string) bool {
			_, ok := selected[dep]
			return !ok
		})
		sub.Steps = append(sub.Steps, s)
	}
	return sub, nil
}
