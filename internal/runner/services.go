// ABOUTME: Service availability detection for MCP tool adapters.
// ABOUTME: A service counts as configured when all of its credentials are present.

package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// serviceRequirement describes what a tool adapter needs to be usable.
type serviceRequirement struct {
	// envVars must all be non-empty for the service to be active.
	envVars []string
	// kubeconfig means the service needs cluster credentials instead.
	kubeconfig bool
}

// serviceRequirements maps MCP service names to their configuration needs.
var serviceRequirements = map[string]serviceRequirement{
	"kubernetes":         {kubeconfig: true},
	"fluxcd":             {kubeconfig: true},
	"homeassistant":      {envVars: []string{"HA_TOKEN"}},
	"grafana-prometheus": {envVars: []string{"PROMETHEUS_URL"}},
	"git":                {envVars: []string{"GIT_REPOS"}},
	"planka":             {envVars: []string{"PLANKA_USER", "PLANKA_PASSWORD"}},
	"miniflux":           {envVars: []string{"MINIFLUX_API_KEY"}},
	"immich":             {envVars: []string{"IMMICH_API_KEY"}},
	"karakeep":           {envVars: []string{"KARAKEEP_API_KEY"}},
	"music-assistant":    {envVars: []string{"MUSIC_ASSISTANT_URL"}},
}

// hasKubeconfig reports whether cluster credentials are available, either as
// a kubeconfig file or as an in-cluster service account token.
func hasKubeconfig() bool {
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return false
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	if _, err := os.Stat(kubeconfig); err == nil {
		return true
	}
	_, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount/token")
	return err == nil
}

// AvailableServices returns the configuration state of every known service.
func AvailableServices() map[string]bool {
	result := make(map[string]bool, len(serviceRequirements))
	for name, req := range serviceRequirements {
		if req.kubeconfig {
			result[name] = hasKubeconfig()
			continue
		}
		ok := true
		for _, v := range req.envVars {
			if strings.TrimSpace(os.Getenv(v)) == "" {
				ok = false
				break
			}
		}
		result[name] = ok
	}
	return result
}

// ActiveServices returns the sorted names of configured services.
func ActiveServices() []string {
	var active []string
	for name, ok := range AvailableServices() {
		if ok {
			active = append(active, name)
		}
	}
	sort.Strings(active)
	return active
}

// AllowedTools builds the --allowedTools value for the given services.
func AllowedTools(services []string) string {
	patterns := make([]string, 0, len(services))
	for _, name := range services {
		patterns = append(patterns, fmt.Sprintf("mcp__%s__*", name))
	}
	return strings.Join(patterns, ",")
}

// HasAnyService reports whether at least one of the required services is
// configured. An empty requirement list always passes.
func HasAnyService(required []string) bool {
	if len(required) == 0 {
		return true
	}
	available := AvailableServices()
	for _, name := range required {
		if available[name] {
			return true
		}
	}
	return false
}
