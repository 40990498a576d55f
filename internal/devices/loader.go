package devices

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed icd/*.yaml
var builtinICDs embed.FS

// BuiltinSimulator names the embedded poststation simulator descriptor.
const BuiltinSimulator = "simulator"

type DescriptorLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewDescriptorLoader(searchPaths []string) (*DescriptorLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &DescriptorLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load finds name in the search paths (as given, or with a .yaml/.yml suffix), falling
// back to the embedded descriptors, then validates and compiles it.
func (l *DescriptorLoader) Load(name string) (*ICD, error) {
	// Cache-Check
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*ICD), nil
	}

	data, foundPath := l.find(name)
	if data == nil {
		return nil, fmt.Errorf("descriptor not found: %s (searched in: %v)", name, l.searchPaths)
	}

	icd, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", foundPath, err)
	}

	l.cache.Store(name, icd)
	return icd, nil
}

// Parse validates and compiles a descriptor document without caching it.
func (l *DescriptorLoader) Parse(data []byte) (*ICD, error) {
	if err := l.validator.ValidateDescriptor(data); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}

	icd, err := desc.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile descriptor: %w", err)
	}
	return icd, nil
}

func (l *DescriptorLoader) find(name string) ([]byte, string) {
	candidates := []string{name, name + ".yaml", name + ".yml"}
	for _, searchPath := range l.searchPaths {
		for _, c := range candidates {
			fullPath := filepath.Join(searchPath, c)
			if data, err := os.ReadFile(fullPath); err == nil {
				return data, fullPath
			}
		}
	}
	// absolute or relative to the working directory
	if data, err := os.ReadFile(name); err == nil {
		return data, name
	}

	embedded := "icd/" + name + ".yaml"
	if data, err := builtinICDs.ReadFile(embedded); err == nil {
		return data, "builtin:" + name
	}
	return nil, ""
}

func (l *DescriptorLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
