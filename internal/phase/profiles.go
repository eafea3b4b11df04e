package phase

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed phases.yaml
var defaultProfilesYAML []byte

var defaultProfiles map[string]Profile

type profilesFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

func init() {
	var f profilesFile
	if err := yaml.Unmarshal(defaultProfilesYAML, &f); err != nil {
		panic(fmt.Sprintf("embedded phases.yaml invalid: %v", err))
	}
	defaultProfiles = f.Profiles
}

// ApplyProfileOverrides merges profiles from a user phases.yaml into the
// definitions. A missing file is fine; a malformed one is an error. Only
// phases named in the file are touched, and each named phase replaces its
// whole profile vector.
func ApplyProfileOverrides(defs map[string]*Definition, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for name, profile := range f.Profiles {
		def, known := defs[name]
		if !known {
			return fmt.Errorf("%s: unknown phase %q", path, name)
		}
		def.Profile = profile
	}
	return nil
}
