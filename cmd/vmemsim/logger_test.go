package main

import (
	"path/filepath"

	"github.com/NebulousLabs/Sia/persist"
)

// newTestLogger creates a logger writing to a file in dir
func newTestLogger(dir string) (*persist.Logger, error) {
	return persist.NewFileLogger(filepath.Join(dir, "vmemsim.log"))
}
