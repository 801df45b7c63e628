package domain

import (
	"context"
	"fmt"
	"sort"
)

// Generator builds the artifact for one file type.
type Generator interface {
	Type() FileType
	Generate(ctx context.Context, jobID JobID, ownerID string, params map[string]any) (Artifact, error)
}

// GeneratorRegistry maps file types to their generator. It is populated at
// startup and read-only afterwards.
type GeneratorRegistry struct {
	generators map[FileType]Generator
}

func NewGeneratorRegistry(gens ...Generator) (*GeneratorRegistry, error) {
	r := &GeneratorRegistry{generators: make(map[FileType]Generator)}
	for _, g := range gens {
		if err := r.Register(g); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds g, refusing a second generator for the same type.
func (r *GeneratorRegistry) Register(g Generator) error {
	if g.Type() == "" {
		return fmt.Errorf("generator type cannot be empty")
	}
	if _, dup := r.generators[g.Type()]; dup {
		return fmt.Errorf("generator for %s already registered", g.Type())
	}
	r.generators[g.Type()] = g
	return nil
}

// Lookup returns the generator for t or ErrUnsupportedFileType.
func (r *GeneratorRegistry) Lookup(t FileType) (Generator, error) {
	g, ok := r.generators[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, t)
	}
	return g, nil
}

func (r *GeneratorRegistry) Types() []FileType {
	types := make([]FileType, 0, len(r.generators))
	for t := range r.generators {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
