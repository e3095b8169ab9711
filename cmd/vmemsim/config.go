package main

import (
	"encoding/json"
	"os"

	"github.com/NebulousLabs/Sia/build"

	"github.com/NebulousLabs/vmem"
)

// loadConfig reads a boot configuration from a JSON file. Fields missing from
// the file keep the values of vmem.DefaultBootConfig. An empty path returns
// the defaults.
func loadConfig(path string) (vmem.BootConfig, error) {
	cfg := vmem.DefaultBootConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return vmem.BootConfig{}, build.ExtendErr("unable to open boot config", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return vmem.BootConfig{}, build.ExtendErr("unable to decode boot config "+path, err)
	}
	return cfg, nil
}

// saveConfig writes cfg to path as indented JSON.
func saveConfig(path string, cfg vmem.BootConfig) error {
	b, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return build.ExtendErr("unable to encode boot config", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0600); err != nil {
		return build.ExtendErr("unable to write boot config", err)
	}
	return nil
}
