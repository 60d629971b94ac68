package registry

// ToolConfig describes one global tool a playbook may reference by id.
type ToolConfig struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Provider    string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

type toolFile struct {
	Tools []ToolConfig `yaml:"tools"`
}
