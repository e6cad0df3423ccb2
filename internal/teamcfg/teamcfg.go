// Package teamcfg loads team definition files, the YAML documents that
// describe a named team: its agents, tmux session, and pane layout.
package teamcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/claude-orc/orc/internal/layout"
)

// BrokerSettings carries the per-team broker overrides.
type BrokerSettings struct {
	Port int `yaml:"port,omitempty"`
}

// AgentSpec describes one team member. Prompt and PromptFile are mutually
// exclusive; a PromptFile is read at load time, relative to the team file.
type AgentSpec struct {
	Name       string `yaml:"name"`
	Role       string `yaml:"role,omitempty"`
	Model      string `yaml:"model,omitempty"`
	Prompt     string `yaml:"prompt,omitempty"`
	PromptFile string `yaml:"promptFile,omitempty"`
	WorkingDir string `yaml:"workingDir,omitempty"`
}

// TeamConfig is a parsed team definition.
type TeamConfig struct {
	Name       string         `yaml:"name"`
	Session    string         `yaml:"session,omitempty"`
	WorkingDir string         `yaml:"workingDir,omitempty"`
	Broker     BrokerSettings `yaml:"broker,omitempty"`
	Layout     layout.Layout  `yaml:"layout,omitempty"`
	Agents     []AgentSpec    `yaml:"agents"`
}

// Load reads and parses a team file. Prompt files referenced by agents
// are resolved relative to the team file's directory and inlined.
func Load(path string) (*TeamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read team file: %w", err)
	}

	var tc TeamConfig
	if err := yaml.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("parse team file %s: %w", path, err)
	}

	teamDir := filepath.Dir(path)
	for i := range tc.Agents {
		a := &tc.Agents[i]
		if a.PromptFile == "" {
			continue
		}
		if a.Prompt != "" {
			return nil, fmt.Errorf("agent %q sets both prompt and promptFile", a.Name)
		}
		promptPath := a.PromptFile
		if !filepath.IsAbs(promptPath) {
			promptPath = filepath.Join(teamDir, promptPath)
		}
		prompt, err := os.ReadFile(promptPath)
		if err != nil {
			return nil, fmt.Errorf("agent %q prompt file: %w", a.Name, err)
		}
		a.Prompt = strings.TrimRight(string(prompt), "\n")
	}

	return &tc, nil
}

// Locate finds a team definition by name: a direct path to an existing
// file wins, then ./teams/{name}.yaml, then ~/.claude-orc/teams/{name}.yaml.
func Locate(name string) (string, error) {
	if fileExists(name) {
		return name, nil
	}

	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, filepath.Join(cwd, "teams"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".claude-orc", "teams"))
	}
	return locateIn(name, dirs)
}

func locateIn(name string, dirs []string) (string, error) {
	var tried []string
	for _, dir := range dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			candidate := filepath.Join(dir, name+ext)
			if fileExists(candidate) {
				return candidate, nil
			}
			tried = append(tried, candidate)
		}
	}
	return "", fmt.Errorf("team %q not found (tried %s)", name, strings.Join(tried, ", "))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ApplyDefaults fills the session name, default model, and per-agent
// working directories.
func (tc *TeamConfig) ApplyDefaults(defaultModel string) {
	if tc.Session == "" && tc.Name != "" {
		tc.Session = "orc-" + tc.Name
	}
	for i := range tc.Agents {
		if tc.Agents[i].Model == "" {
			tc.Agents[i].Model = defaultModel
		}
		if tc.Agents[i].WorkingDir == "" {
			tc.Agents[i].WorkingDir = tc.WorkingDir
		}
	}
}

// Validate checks the definition is launchable: a team name, at least one
// agent, unique agent names, and a layout that plans for the roster size.
func (tc *TeamConfig) Validate() error {
	if tc.Name == "" {
		return fmt.Errorf("team name is required")
	}
	if len(tc.Agents) == 0 {
		return fmt.Errorf("team %q has no agents", tc.Name)
	}

	seen := make(map[string]struct{}, len(tc.Agents))
	for _, a := range tc.Agents {
		if a.Name == "" {
			return fmt.Errorf("team %q has an unnamed agent", tc.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = struct{}{}
	}

	if _, err := tc.Layout.Plan(len(tc.Agents)); err != nil {
		return fmt.Errorf("team %q layout: %w", tc.Name, err)
	}
	return nil
}
