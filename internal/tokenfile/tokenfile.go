// Copyright 2025 James Ross
// Package tokenfile resolves the API token the coordinator authenticates
// to the control plane with, when `--api-token` is not given: first
// INTERN_TOKEN, then the INI fallback config file at ~/.intern/intern.cfg
// (section `Default` or `Project Service`, key `token`).
package tokenfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// ErrNoToken is returned when neither INTERN_TOKEN nor the fallback config
// file yield a usable token.
var ErrNoToken = errors.New("tokenfile: no API token found in INTERN_TOKEN or ~/.intern/intern.cfg")

// Resolve runs the fallback chain described above.
func Resolve() (string, error) {
	if tok := os.Getenv("INTERN_TOKEN"); tok != "" {
		return tok, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoToken, err)
	}
	path := filepath.Join(home, ".intern", "intern.cfg")
	cfg, err := ini.Load(path)
	if err != nil {
		return "", ErrNoToken
	}
	for _, section := range []string{"Default", "Project Service"} {
		if s := cfg.Section(section); s.HasKey("token") {
			if tok := s.Key("token").String(); tok != "" {
				return tok, nil
			}
		}
	}
	return "", ErrNoToken
}
