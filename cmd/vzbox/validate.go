package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aledbf/vzbox/internal/host/vm"
	"github.com/aledbf/vzbox/internal/manifest"
	"github.com/aledbf/vzbox/internal/vmconfig"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest>",
		Args:  cobra.ExactArgs(1),
		Short: "Assemble a manifest with a throwaway identity and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(cmd.OutOrStdout(), args[0])
		},
	}
}

func validate(out io.Writer, manifestPath string) error {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "vzbox-validate-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	var files []*os.File
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	// Assemble against scratch state so a named variable store is not created.
	staged := *m
	staged.Boot.VariableStore = ""
	identity, err := vmconfig.NewMachineIdentity()
	if err != nil {
		return err
	}
	cfg, err := staged.Assemble(identity, manifest.Environment{
		VariableStorePath: filepath.Join(scratch, "efi-variable-store"),
		ConsoleLogPath:    filepath.Join(scratch, "console.log"),
		Stdin:             os.Stdin,
		Stdout:            os.Stdout,
		NetworkFile: func() (*os.File, error) {
			engineEnd, hostEnd, err := vm.SocketPair()
			if err != nil {
				return nil, err
			}
			files = append(files, engineEnd, hostEnd)
			return engineEnd, nil
		},
	})
	if err != nil {
		return err
	}

	describe(out, m.Name, cfg)
	return nil
}

func describe(out io.Writer, name string, cfg *vmconfig.MachineConfiguration) {
	fmt.Fprintf(out, "%s: %d cpus, %d MiB, %s boot\n", name, cfg.CPUCount(), cfg.MemorySize()>>20, cfg.BootDescriptor().Kind())
	if g := cfg.GraphicsDevice(); g != nil {
		for _, s := range g.Scanouts() {
			fmt.Fprintf(out, "  graphics: %dx%d\n", s.Width(), s.Height())
		}
	}
	for i, c := range cfg.ConsoleDevices() {
		fmt.Fprintf(out, "  console %d: %d slots\n", i, c.MaximumPortCount())
		for j, p := range c.Ports() {
			if p == nil {
				continue
			}
			kind := "unattached"
			if att := p.Attachment(); att != nil {
				kind = att.AttachmentKind().String()
			}
			primary := ""
			if p.IsConsole() {
				primary = " (console)"
			}
			fmt.Fprintf(out, "    [%d] %q %s%s\n", j, p.Name(), kind, primary)
		}
	}
	for _, s := range cfg.StorageDevices() {
		mode := "rw"
		if s.Attachment().ReadOnly() {
			mode = "ro"
		}
		fmt.Fprintf(out, "  disk: %s %s %s\n", s.Bus(), s.Attachment().Path(), mode)
	}
	for _, n := range cfg.NetworkDevices() {
		mac := "auto"
		if addr := n.MACAddress(); addr != nil {
			mac = addr.String()
		}
		fmt.Fprintf(out, "  network: %s mac=%s mtu=%d\n", n.Attachment().AttachmentKind(), mac, n.MaximumTransmissionUnit())
	}
	if c := cfg.ClipboardAgent(); c != nil {
		fmt.Fprintf(out, "  clipboard: shared=%t\n", c.SharesClipboard())
	}
}
