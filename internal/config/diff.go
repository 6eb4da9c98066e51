package config

import "reflect"

// Changed lists the top-level sections that differ between two configs.
func Changed(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	sections := []struct {
		name     string
		old, new any
	}{
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"http", oldCfg.HTTP, newCfg.HTTP},
		{"mqtt", oldCfg.MQTT, newCfg.MQTT},
		{"channels", oldCfg.Channels, newCfg.Channels},
		{"webpush", oldCfg.WebPush, newCfg.WebPush},
		{"dispatch", oldCfg.Dispatch, newCfg.Dispatch},
		{"registry", oldCfg.Registry, newCfg.Registry},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
	}
	var out []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			out = append(out, s.name)
		}
	}
	return out
}

// Reloadable reports whether a section takes effect without a restart.
func Reloadable(section string) bool {
	switch section {
	case "logging", "dispatch":
		return true
	}
	return false
}
