package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"imchain/crypto"
	"imchain/messaging"
)

type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	NetworkName    string `toml:"NetworkName"`
	ProgramAddress string `toml:"ProgramAddress"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./im-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "im-local"
	}
	if strings.TrimSpace(cfg.ProgramAddress) == "" {
		cfg.ProgramAddress = messaging.DefaultProgramAddress.String()
	}
	return cfg, nil
}

// Program resolves the configured messaging program address.
func (c *Config) Program() (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(c.ProgramAddress)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("config: invalid ProgramAddress: %w", err)
	}
	return addr, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:     "127.0.0.1:8645",
		MetricsAddress: "",
		DataDir:        "./im-data",
		NetworkName:    "im-local",
		ProgramAddress: messaging.DefaultProgramAddress.String(),
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
