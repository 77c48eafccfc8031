package common

import (
	"os"
)

var defaultEnvironment = map[string][]string{
	"RUNNER_TEMP": {"$XDG_CACHE_HOME", "$HOME/.cache", "/tmp"},
}

// LookupDefaultEnv returns the variable's value, or the first of its fallbacks that exists on disk.
func LookupDefaultEnv(envKey string) string {
	envValue := os.Getenv(envKey)
	if envValue != "" {
		return envValue
	}

	// Expand environment variables, and return it if it's a valid (existing) path;
	// defaulting to the last element in the list
	env := ""
	for _, v := range defaultEnvironment[envKey] {
		env = os.ExpandEnv(v)
		if env == "" {
			continue
		}
		if _, err := os.Stat(env); err == nil {
			return env
		}
	}
	return env
}

// TempBase is the directory under which archives are staged between pack and transfer.
func TempBase() string {
	return LookupDefaultEnv("RUNNER_TEMP")
}
