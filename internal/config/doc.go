// Package config implements the Path & Config Resolver: well-known
// directory resolution and the five-layer merged configuration view every
// fabric process loads once at startup.
//
// # Directories
//
// ResolveDirs computes project_root, config_dir, logs_dir, data_dir,
// models_dir, cache_dir. Each is taken from an environment override first
// (FABRIC_PROJECT_ROOT, FABRIC_CONFIG_DIR, FABRIC_LOGS_DIR, FABRIC_DATA_DIR,
// FABRIC_MODELS_DIR, FABRIC_CACHE_DIR), then a conventional location
// relative to the executable, and is created if missing.
//
// # Merge order
//
// Load merges five sources, later overriding earlier:
//
//  1. Built-in defaults (LoadOptions.Defaults)
//  2. A shared machine configuration document (JSON)
//  3. An agent-group document selected by the Group field (JSON)
//  4. Environment variables with the FABRIC_ prefix
//  5. Command-line arguments (--key value or --key=value)
//
// Group and machine documents are plain JSON rather than YAML: the fabric
// has no YAML loader anywhere in its scope, so one codec family covers both
// wire messages (internal/wire) and on-disk documents.
//
//	cfg, err := config.Load(config.LoadOptions{
//	    AgentName:      "echo_agent",
//	    Group:          "core",
//	    MachineDocPath: filepath.Join(dirs.ConfigDir, "machine.json"),
//	    GroupDocDir:    filepath.Join(dirs.ConfigDir, "groups"),
//	    Args:           os.Args[1:],
//	})
//	port := cfg.AsInt("request_port", 9100)
//
// A Config snapshot is read-only; Require(key) fails with *ConfigError when
// a mandatory key is absent instead of silently returning a zero value.
package config
