// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// The main configuration is loaded from a YAML file with environment variable
// expansion and duration parsing. Per-adapter settings live in a directory of
// TOML records so platform adapters can be added or disabled without touching
// the main file.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	generation:
//	  api_key: "${RELAY_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	dedupe:
//	  ttl: "5m"
//	supervisor:
//	  check_interval: "1m"
//	  restart_window: "10m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Adapter Records
//
// Each file in adapters_dir describes one platform adapter:
//
//	id = "dt-main"
//	type = "dingtalk"
//	enabled = true
//
//	[dingtalk]
//	app_key = "${DINGTALK_APP_KEY}"
//	app_secret = "${DINGTALK_APP_SECRET}"
//
// A record that fails to parse or validate is skipped with an error; the
// remaining records still load.
//
// # Usage
//
//	cfg, err := config.Load("/etc/relay/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	records, errs := config.LoadAdapters(cfg.AdaptersDir)
package config
