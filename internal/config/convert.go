package config

import (
	"fmt"

	"github.com/danmuck/showlink/internal/connector"
)

// Declarations converts file entries into connector declarations. Range
// syntax is checked here, so a bad range names its entry.
func Declarations(entries []BundleEntry) ([]connector.BundleDeclaration, error) {
	decls := make([]connector.BundleDeclaration, 0, len(entries))
	for i, entry := range entries {
		d, err := connector.NewDeclaration(entry.Name, entry.Version, entry.Replicants...)
		if err != nil {
			return nil, fmt.Errorf("bundle[%d]: %w", i, err)
		}
		decls = append(decls, d)
	}
	return decls, nil
}

// LoadDeclarations reads path and converts it in one step.
func LoadDeclarations(path string) ([]connector.BundleDeclaration, error) {
	cfg, err := LoadBundlesFile(path)
	if err != nil {
		return nil, err
	}
	return Declarations(cfg.Bundles)
}
