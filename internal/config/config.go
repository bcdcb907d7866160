package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// BundlesFile is the on-disk bundle declaration list.
type BundlesFile struct {
	Bundles []BundleEntry `toml:"bundle"`
}

type BundleEntry struct {
	Name       string   `toml:"name"`
	Version    string   `toml:"version"`
	Replicants []string `toml:"replicants"`
}

func LoadBundlesFile(path string) (BundlesFile, error) {
	var cfg BundlesFile
	if err := loadToml(path, &cfg); err != nil {
		return BundlesFile{}, err
	}
	for i := range cfg.Bundles {
		cfg.Bundles[i].Name = strings.TrimSpace(cfg.Bundles[i].Name)
		cfg.Bundles[i].Version = strings.TrimSpace(cfg.Bundles[i].Version)
	}
	if err := ValidateBundlesFile(cfg); err != nil {
		return BundlesFile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateBundlesFile(cfg BundlesFile) error {
	seen := make(map[string]int, len(cfg.Bundles))
	for i, entry := range cfg.Bundles {
		if err := ValidateBundleEntry(entry); err != nil {
			return fmt.Errorf("bundle[%d] invalid: %w", i, err)
		}
		if prev, dup := seen[entry.Name]; dup {
			return fmt.Errorf("bundle[%d] duplicates bundle[%d] (%s)", i, prev, entry.Name)
		}
		seen[entry.Name] = i
	}
	return nil
}

func ValidateBundleEntry(entry BundleEntry) error {
	if strings.TrimSpace(entry.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(entry.Version) == "" {
		return fmt.Errorf("version is required")
	}
	for _, r := range entry.Replicants {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("empty replicant name")
		}
	}
	return nil
}
