package submitapi

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entrypoint is one runnable command of an application version.
type Entrypoint struct {
	ImageURL  string   `yaml:"image_url"`
	Cmd       []string `yaml:"cmd"`
	AWSJobDef *string  `yaml:"aws_job_def"`
}

// Version groups the entrypoints of one application release and the
// environment variables a submission may override.
type Version struct {
	Entrypoints map[string]Entrypoint `yaml:"entrypoints"`
	// Env lists the variable names submitters may set. Anything else is
	// refused so jobs cannot smuggle arbitrary configuration into workers.
	Env []string `yaml:"env"`
}

// Application is a catalog entry with its published versions.
type Application struct {
	Versions map[string]Version `yaml:"versions"`
}

// Catalog is the YAML-defined set of submittable applications.
type Catalog struct {
	Applications map[string]Application `yaml:"applications"`
}

// LoadCatalog reads and parses the application catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read application catalog %s: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse application catalog %s: %w", path, err)
	}
	if len(c.Applications) == 0 {
		return nil, fmt.Errorf("application catalog %s declares no applications", path)
	}
	return &c, nil
}

// Resolve validates an (application, version, entrypoint) triple and returns
// the entrypoint together with the version's env-var allowlist.
func (c *Catalog) Resolve(application, version, entrypoint string) (*Entrypoint, []string, error) {
	app, ok := c.Applications[application]
	if !ok {
		return nil, nil, fmt.Errorf("unknown application %q", application)
	}
	ver, ok := app.Versions[version]
	if !ok {
		return nil, nil, fmt.Errorf("unknown version %q of application %q", version, application)
	}
	ep, ok := ver.Entrypoints[entrypoint]
	if !ok {
		return nil, nil, fmt.Errorf("unknown entrypoint %q of %s/%s", entrypoint, application, version)
	}
	return &ep, ver.Env, nil
}

// AllowedEnv checks a set of submitted variable overrides against the
// version's allowlist and returns the first offender.
func AllowedEnv(allowlist []string, overrides map[string]string) error {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, name := range allowlist {
		allowed[name] = struct{}{}
	}
	for name := range overrides {
		if _, ok := allowed[name]; !ok {
			return fmt.Errorf("environment variable %q is not allowed", name)
		}
	}
	return nil
}
