package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Inventory is the declarative module list loaded from a YAML file:
//
//	modules:
//	  - name: hr
//	    baseURL: http://hr:8000
//	  - name: it
//	    baseURL: http://it:8000
//	    healthEndpoint: /internal/health
type Inventory struct {
	Modules []ModuleInfo `yaml:"modules"`
}

// LoadFile registers every module listed in the YAML inventory file and
// returns how many were registered. Entries without a name or base URL
// are rejected.
func (r *Registry) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read inventory file: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return 0, fmt.Errorf("failed to parse inventory file: %w", err)
	}

	for i, mod := range inv.Modules {
		if mod.Name == "" || mod.BaseURL == "" {
			return 0, fmt.Errorf("inventory entry %d: name and baseURL are required", i)
		}
	}
	for _, mod := range inv.Modules {
		r.Register(mod.Name, mod.BaseURL, mod.HealthEndpoint)
	}
	return len(inv.Modules), nil
}
