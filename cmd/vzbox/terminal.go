package main

import (
	"fmt"
	"os"

	"github.com/containerd/console"
	"github.com/containerd/log"
)

// rawTerminal puts f in raw mode when it is a terminal so that the guest
// console sees every keystroke. The returned func restores the terminal.
func rawTerminal(f *os.File) (func(), error) {
	c, err := console.ConsoleFromFile(f)
	if err != nil {
		log.L.WithError(err).Debug("stdin is not a terminal, leaving it as is")
		return func() {}, nil
	}
	if err := c.SetRaw(); err != nil {
		return nil, fmt.Errorf("failed to set terminal raw mode: %w", err)
	}
	return func() {
		if err := c.Reset(); err != nil {
			log.L.WithError(err).Warn("failed to restore terminal")
		}
	}, nil
}
