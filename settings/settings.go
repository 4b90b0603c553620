package settings

//
// environment-driven node settings. every value has a code default so
// a task can run outside a full cluster install, e.g. in tests with
// DISCO_ROOT pointed at a scratch directory.
//

import (
	"os"
	"strconv"
	"strings"
)

var defaults = map[string]string{
	"DISCO_ROOT":   "/srv/disco",
	"DISCO_DATA":   "data",
	"DISCO_PORT":   "8989",
	"DISCO_MASTER": "localhost",
	"DISCO_FLAGS":  "",
}

type Settings map[string]string

// Load reads every known setting from the environment, falling back to
// the built-in default when the variable is unset or empty.
func Load() Settings {
	s := Settings{}
	for key, def := range defaults {
		if v := os.Getenv(key); v != "" {
			s[key] = v
		} else {
			s[key] = def
		}
	}
	return s
}

func (s Settings) Get(key string) string {
	if v, ok := s[key]; ok {
		return v
	}
	return defaults[key]
}

func (s Settings) Root() string {
	return s.Get("DISCO_ROOT")
}

// Data is the directory under Root holding per-job working trees.
func (s Settings) Data() string {
	return s.Get("DISCO_DATA")
}

func (s Settings) Port() int {
	p, err := strconv.Atoi(s.Get("DISCO_PORT"))
	if err != nil {
		return 8989
	}
	return p
}

func (s Settings) Master() string {
	return s.Get("DISCO_MASTER")
}

func (s Settings) Flags() []string {
	return strings.Fields(strings.ToLower(s.Get("DISCO_FLAGS")))
}

func (s Settings) HasFlag(flag string) bool {
	for _, f := range s.Flags() {
		if f == strings.ToLower(flag) {
			return true
		}
	}
	return false
}
