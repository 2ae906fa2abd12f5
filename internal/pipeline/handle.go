package pipeline

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pipekeeper/pipekeeper/internal/failure"
)

type definitions struct {
	Pipelines []Pipeline `yaml:"pipelines"`
}

// Repository is the set of pipelines declared in one definition file.
type Repository struct {
	pipelines map[string]*Pipeline
	names     []string
}

// LoadRepository decodes and validates a definition file.
func LoadRepository(r io.Reader) (*Repository, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var defs definitions
	if err := dec.Decode(&defs); err != nil {
		return nil, fmt.Errorf("decoding pipelines: %w", err)
	}

	repo := &Repository{pipelines: make(map[string]*Pipeline, len(defs.Pipelines))}
	for i := range defs.Pipelines {
		p := &defs.Pipelines[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, ok := repo.pipelines[p.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate pipeline %q", ErrInvalid, p.Name)
		}
		repo.pipelines[p.Name] = p
		repo.names = append(repo.names, p.Name)
	}
	return repo, nil
}

func (r *Repository) Pipeline(name string) (*Pipeline, error) {
	p, ok := r.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrPipelineNotFound)
	}
	return p, nil
}

// Names returns pipeline names in declaration order.
func (r *Repository) Names() []string {
	return r.names
}

// Handle locates a pipeline. It is serializable, so workers receive it
// instead of the resolved pipeline and rebuild the definition themselves.
type Handle struct {
	File     string `json:"file"`
	Pipeline string `json:"pipeline,omitempty"`
}

func (h Handle) WithPipelineName(name string) Handle {
	h.Pipeline = name
	return h
}

// BuildRepository reads the definition file. Errors are resolution failures.
func (h Handle) BuildRepository() (*Repository, error) {
	f, err := os.Open(h.File)
	if err != nil {
		return nil, failure.Wrap(failure.KindResolutionFailure, err, "opening pipeline definitions")
	}
	defer func() {
		_ = f.Close()
	}()
	repo, err := LoadRepository(f)
	if err != nil {
		return nil, failure.Wrap(failure.KindResolutionFailure, err, "loading "+h.File)
	}
	return repo, nil
}

// Build resolves the pipeline named by the handle.
func (h Handle) Build() (*Pipeline, error) {
	repo, err := h.BuildRepository()
	if err != nil {
		return nil, err
	}
	p, err := repo.Pipeline(h.Pipeline)
	if err != nil {
		return nil, failure.Wrap(failure.KindResolutionFailure, err, "resolving pipeline")
	}
	return p, nil
}
