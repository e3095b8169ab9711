package main

import (
	"fmt"

	"github.com/NebulousLabs/Sia/build"
	"github.com/mattn/go-tty"
)

// stepper pauses between the phases of the workload until a key is pressed on
// the controlling terminal. The zero value does not pause.
type stepper struct {
	tty *tty.TTY
}

// newStepper opens the controlling terminal if enabled is true.
func newStepper(enabled bool) (*stepper, error) {
	if !enabled {
		return &stepper{}, nil
	}
	t, err := tty.Open()
	if err != nil {
		return nil, build.ExtendErr("unable to open terminal for stepping", err)
	}
	return &stepper{tty: t}, nil
}

// wait prints the name of the next phase and blocks until a key is pressed.
// Pressing q aborts the run.
func (s *stepper) wait(phase string) error {
	if s.tty == nil {
		return nil
	}
	fmt.Printf("next: %v [any key, q to quit]\n", phase)
	r, err := s.tty.ReadRune()
	if err != nil {
		return build.ExtendErr("unable to read from terminal", err)
	}
	if r == 'q' {
		return errAborted
	}
	return nil
}

// Close releases the terminal.
func (s *stepper) Close() error {
	if s.tty == nil {
		return nil
	}
	return s.tty.Close()
}
