// ABOUTME: Monitoring check registry: builtin defaults, checks.toml loading, overrides.
// ABOUTME: Checks.toml entries and config overrides merge onto the builtins by name.

package monitor

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/jarvis-dispatcher/internal/config"
)

// Check is a periodic monitoring check sent to the agent.
type Check struct {
	Name     string
	Prompt   string
	Interval time.Duration
	Enabled  bool

	// RequiredServices gates the check on configured backing services.
	// A check with no active required service is skipped, not failed.
	RequiredServices []string
}

// builtinChecks are the default registry, active when no checks file or
// overrides are given.
func builtinChecks() []Check {
	return []Check{
		{
			Name: "cluster-health",
			Prompt: "Fais un check de santé du cluster Kubernetes. " +
				"Vérifie : pods en erreur, restarts élevés, nodes en pression, " +
				"réconciliations FluxCD en échec, alertes Prometheus actives. " +
				"C'est un check de monitoring automatique.",
			Interval:         15 * time.Minute,
			Enabled:          true,
			RequiredServices: []string{"kubernetes"},
		},
		{
			Name: "homeassistant",
			Prompt: "Vérifie l'état de Home Assistant. " +
				"Y a-t-il des entités unavailable, des automations en erreur, " +
				"ou des capteurs avec des valeurs anormales ? " +
				"C'est un check de monitoring automatique.",
			Interval:         30 * time.Minute,
			Enabled:          true,
			RequiredServices: []string{"homeassistant"},
		},
		{
			Name: "fluxcd-reconciliation",
			Prompt: "Vérifie l'état de réconciliation de toutes les ressources FluxCD. " +
				"GitRepositories, Kustomizations, HelmReleases. " +
				"Signale tout ce qui n'est pas Ready. " +
				"C'est un check de monitoring automatique.",
			Interval:         10 * time.Minute,
			Enabled:          true,
			RequiredServices: []string{"fluxcd"},
		},
	}
}

// checksFile is the on-disk shape of checks.toml.
type checksFile struct {
	Check []checkEntry `toml:"check"`
}

type checkEntry struct {
	Name             string   `toml:"name"`
	Prompt           string   `toml:"prompt"`
	Interval         string   `toml:"interval"`
	Enabled          *bool    `toml:"enabled"`
	RequiredServices []string `toml:"required_services"`
}

// checkOverride is a named partial update to the registry. A nil enabled
// keeps the current value; the zero values of the other fields do too.
type checkOverride struct {
	check   Check
	enabled *bool
}

// loadChecksFile parses a checks.toml file into a list of check overrides.
func loadChecksFile(path string) ([]checkOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checks file: %w", err)
	}

	var file checksFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return nil, fmt.Errorf("parsing checks file: %w", err)
	}

	overrides := make([]checkOverride, 0, len(file.Check))
	for i, entry := range file.Check {
		if entry.Name == "" {
			return nil, fmt.Errorf("check %d: name is required", i)
		}

		c := Check{
			Name:             entry.Name,
			Prompt:           entry.Prompt,
			RequiredServices: entry.RequiredServices,
		}
		if entry.Interval != "" {
			d, err := time.ParseDuration(entry.Interval)
			if err != nil {
				return nil, fmt.Errorf("check %q: invalid interval %q: %w", entry.Name, entry.Interval, err)
			}
			c.Interval = d
		}
		overrides = append(overrides, checkOverride{check: c, enabled: entry.Enabled})
	}
	return overrides, nil
}

// BuildRegistry merges builtins, the checks file, and config overrides, in
// that precedence order. Entries merge by name: unset override fields keep
// the existing value; unknown names are added as new checks.
func BuildRegistry(cfg config.MonitorConfig) ([]Check, error) {
	checks := builtinChecks()

	if cfg.ChecksFile != "" {
		fileOverrides, err := loadChecksFile(cfg.ChecksFile)
		if err != nil {
			return nil, err
		}
		for _, fo := range fileOverrides {
			checks = mergeCheck(checks, fo)
		}
	}

	for _, oc := range cfg.Checks {
		checks = mergeCheck(checks, checkOverride{
			check:   Check{Name: oc.Name, Prompt: oc.Prompt, Interval: oc.Interval},
			enabled: oc.Enabled,
		})
	}

	// Filter out disabled and validate what remains.
	active := checks[:0]
	for _, c := range checks {
		if !c.Enabled {
			continue
		}
		if c.Prompt == "" {
			return nil, fmt.Errorf("check %q: prompt is required", c.Name)
		}
		if c.Interval <= 0 {
			return nil, fmt.Errorf("check %q: interval is required", c.Name)
		}
		active = append(active, c)
	}
	return active, nil
}

// mergeCheck overlays one override onto the registry by name. An unknown
// name is added as a new check, enabled unless the override says otherwise.
func mergeCheck(checks []Check, o checkOverride) []Check {
	for i := range checks {
		if checks[i].Name != o.check.Name {
			continue
		}
		if o.check.Prompt != "" {
			checks[i].Prompt = o.check.Prompt
		}
		if o.check.Interval > 0 {
			checks[i].Interval = o.check.Interval
		}
		if o.enabled != nil {
			checks[i].Enabled = *o.enabled
		}
		if o.check.RequiredServices != nil {
			checks[i].RequiredServices = o.check.RequiredServices
		}
		return checks
	}
	added := o.check
	added.Enabled = o.enabled == nil || *o.enabled
	return append(checks, added)
}
