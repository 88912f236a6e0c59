// Package config handles configuration loading for jarvis-dispatcher.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from JARVIS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/jarvis/dispatcher.yaml
//  3. ~/.config/jarvis/dispatcher.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	channels:
//	  matrix:
//	    access_token: "${JARVIS_MATRIX_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agent:
//	  timeout: "5m"
//	monitor:
//	  tick_interval: "1m"
//	  silence_window: "1h"
//
// # Configuration Sections
//
// Server and Tailscale:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	tailscale:
//	  enabled: false
//	  hostname: "jarvis"
//	  auth_key: "${TS_AUTHKEY}"
//
// External agent CLI:
//
//	agent:
//	  command: "claude"
//	  working_dir: "/home/jarvis/app"
//	  mcp_config: "/home/jarvis/app/mcp.json"
//	  max_turns: "10"
//	  max_budget: "1.00"
//	  timeout: "5m"
//
// Invocation bounding:
//
//	dispatch:
//	  max_concurrent: 2
//	  queue_depth: 16
//
// Monitoring:
//
//	monitor:
//	  enabled: true
//	  checks_file: "checks.toml"
//	  silence_window: "1h"
//	  checks:
//	    - name: cluster-health
//	      interval: "30m"
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
