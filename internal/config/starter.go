package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type starterLLM struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

type starterFile struct {
	Version  int        `yaml:"version"`
	LLM      starterLLM `yaml:"llm"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Plugins struct {
		Dirs []string `yaml:"dirs"`
	} `yaml:"plugins"`
	Identity struct {
		Path string `yaml:"path,omitempty"`
	} `yaml:"identity"`
}

// Starter renders a minimal configuration file for llm. The file holds the
// API key only when llm.APIKey is set; otherwise the key is read from
// llm.KeyEnv() at startup.
func Starter(llm LLMConfig, dsn string, pluginDir string, identityPath string) ([]byte, error) {
	var f starterFile
	f.Version = CurrentVersion
	f.LLM = starterLLM{
		Provider:  llm.Provider,
		Model:     llm.Model,
		BaseURL:   llm.BaseURL,
		APIKey:    llm.APIKey,
		APIKeyEnv: llm.APIKeyEnv,
	}
	if f.LLM.Provider == "" {
		f.LLM.Provider = "anthropic"
	}
	f.Database.Driver = "sqlite"
	f.Database.DSN = dsn
	if pluginDir != "" {
		f.Plugins.Dirs = []string{pluginDir}
	}
	f.Identity.Path = identityPath
	return yaml.Marshal(&f)
}

// WriteStarter writes Starter output to path with owner-only permissions.
// An existing file is never overwritten.
func WriteStarter(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write config: %w", err)
	}
	return f.Close()
}
