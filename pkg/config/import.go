package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is a declarative YAML document accepted by `toolgate serve
// --import`. It seeds the store with servers and filter lists before the
// gateway starts; existing entries win.
type SeedFile struct {
	Servers []SeedServer `yaml:"servers"`
	Tools   struct {
		WhiteList []string `yaml:"whitelist"`
		BlackList []string `yaml:"blacklist"`
	} `yaml:"tools"`
}

// SeedServer is one server entry in a seed file.
type SeedServer struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Description string            `yaml:"description"`
	Disabled    bool              `yaml:"disabled"`
}

// ImportSeed loads a seed file and merges it into the store. String values
// are environment-expanded so seed files can reference ${VAR} secrets
// without inlining them.
func ImportSeed(st *Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing seed YAML: %w", err)
	}

	for _, s := range seed.Servers {
		if s.Name == "" || s.Command == "" {
			return fmt.Errorf("seed server entry missing name or command")
		}
		if _, exists := st.GetServer(s.Name); exists {
			continue
		}
		spec := ServerSpec{
			Command:     os.ExpandEnv(s.Command),
			Description: s.Description,
			Disabled:    s.Disabled,
		}
		for _, a := range s.Args {
			spec.Args = append(spec.Args, os.ExpandEnv(a))
		}
		if len(s.Env) > 0 {
			spec.Env = make(map[string]string, len(s.Env))
			for k, v := range s.Env {
				spec.Env[k] = os.ExpandEnv(v)
			}
		}
		if err := st.PutServer(s.Name, spec); err != nil {
			return fmt.Errorf("seeding server %s: %w", s.Name, err)
		}
	}

	if len(seed.Tools.WhiteList) > 0 || len(seed.Tools.BlackList) > 0 {
		filter := st.Filter()
		if len(filter.WhiteList) == 0 {
			filter.WhiteList = seed.Tools.WhiteList
		}
		if len(filter.BlackList) == 0 {
			filter.BlackList = seed.Tools.BlackList
		}
		if err := st.SetFilter(filter); err != nil {
			return fmt.Errorf("seeding tool filter: %w", err)
		}
	}

	return nil
}
