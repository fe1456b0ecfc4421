package parser

import (
	"fmt"
	"strings"
)

// Registry holds the known payload shapes and resolves a document to the
// first shape that matches.
type Registry struct {
	shapes []Shape
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry returns a registry with the built-in shapes in priority order.
func NewRegistry() *Registry {
	return &Registry{
		shapes: []Shape{
			&taskRecordsShape{},
			&recordsShape{},
			&recordArrayShape{},
		},
	}
}

// GetGlobalRegistry returns the singleton registry.
func GetGlobalRegistry() *Registry {
	return globalRegistry
}

// FindShape returns the first shape matching doc, or nil.
func (r *Registry) FindShape(doc interface{}) Shape {
	for _, s := range r.shapes {
		if s.Matches(doc) {
			return s
		}
	}
	return nil
}

// GetShapeByName returns a shape by its name.
func (r *Registry) GetShapeByName(name string) (Shape, error) {
	name = strings.ToLower(name)
	for _, s := range r.shapes {
		if strings.ToLower(s.Name()) == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("shape not found: %s", name)
}

// Names lists the registered shapes in detection order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.shapes))
	for i, s := range r.shapes {
		names[i] = s.Name()
	}
	return names
}
