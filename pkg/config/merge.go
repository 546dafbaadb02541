package config

import "dario.cat/mergo"

// mergeInto fills zero-valued fields of cfg from def, leaving anything the
// operator already set untouched. Mirrors the built-in/user-defined merge
// pattern used elsewhere in this corpus for registries, specialized here
// to a single flat defaults record instead of a map of named entries.
func mergeInto(cfg, def *Config) {
	// Ignore the error: def is constructed in-process and cannot fail to
	// merge; mergo.Merge only errors on unsupported/invalid dst types.
	_ = mergo.Merge(cfg, def)
}
