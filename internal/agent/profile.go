package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile defines an assistant: its prompt, default tools and model.
// SystemPrompt is a text/template; see PromptData for the fields it can use.
type Profile struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description,omitempty"`
	Provider     string   `yaml:"provider" json:"provider,omitempty"`
	Model        string   `yaml:"model" json:"model,omitempty"`
	Language     string   `yaml:"language" json:"language,omitempty"`
	SystemPrompt string   `yaml:"system_prompt" json:"-"`
	Tools        []string `yaml:"tools" json:"tools,omitempty"`
	MaxIter      int      `yaml:"max_iterations" json:"max_iterations,omitempty"`
}

// LoadProfile reads an agent profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if _, err := parsePrompt(p.Name, p.SystemPrompt); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}

	return &p, nil
}

// LoadProfileByName reads <dir>/<name>.yaml.
func LoadProfileByName(dir, name string) (*Profile, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid profile name %q", name)
	}
	return LoadProfile(filepath.Join(dir, name+".yaml"))
}

// ListProfiles returns the profiles in dir sorted by name. A missing
// directory yields no profiles.
func ListProfiles(dir string) ([]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	profiles := make([]*Profile, 0, len(matches))
	for _, m := range matches {
		p, err := LoadProfile(m)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}
