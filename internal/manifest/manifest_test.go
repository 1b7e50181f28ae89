package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledbf/vzbox/internal/vmconfig"
)

const fullManifest = `
name: dev
cpus: 4
memory_mib: 4096
boot:
  loader: efi
graphics:
  scanouts:
    - {width: 1920, height: 1200}
consoles:
  - capacity: 2
    ports:
      - slot: 0
        name: com.example.console
        console: true
        attach: {type: stdio}
      - slot: 1
        name: log
        attach: {type: file, path: console.log, append: true}
disks:
  - path: disk.img
  - path: seed.iso
    read_only: true
    bus: usb
networks:
  - type: nat
    mac: "52:54:00:12:34:56"
  - type: socketpair
    mtu: 9000
clipboard:
  share: true
`

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0600))
	return p
}

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "fd-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestLoadAndAssemble(t *testing.T) {
	path := writeManifest(t, fullManifest)
	dir := filepath.Dir(path)

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dev", m.Name)
	assert.True(t, m.UsesStdio())

	identity, err := vmconfig.NewMachineIdentity()
	require.NoError(t, err)

	stdin, stdout, netFile := tempFile(t), tempFile(t), tempFile(t)
	calls := 0
	cfg, err := m.Assemble(identity, Environment{
		VariableStorePath: filepath.Join(t.TempDir(), "efi"),
		Stdin:             stdin,
		Stdout:            stdout,
		NetworkFile: func() (*os.File, error) {
			calls++
			return netFile, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, uint(4), cfg.CPUCount())
	assert.Equal(t, uint64(4096)<<20, cfg.MemorySize())
	assert.Equal(t, vmconfig.BootLoaderEFI, cfg.BootDescriptor().Kind())
	require.NotNil(t, cfg.GraphicsDevice())
	assert.Len(t, cfg.GraphicsDevice().Scanouts(), 1)

	consoles := cfg.ConsoleDevices()
	require.Len(t, consoles, 2, "user console plus clipboard agent")
	primary, ok := consoles[0].PrimaryPort()
	require.True(t, ok)
	assert.Equal(t, 0, primary)

	p0, err := consoles[0].Port(0)
	require.NoError(t, err)
	assert.Equal(t, "com.example.console", p0.Name())
	fh, ok := p0.Attachment().(*vmconfig.FileHandleSerialAttachment)
	require.True(t, ok)
	assert.Same(t, stdin, fh.ReadFile())
	assert.Same(t, stdout, fh.WriteFile())

	p1, err := consoles[0].Port(1)
	require.NoError(t, err)
	fs, ok := p1.Attachment().(*vmconfig.FileSerialAttachment)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "console.log"), fs.Path())
	assert.True(t, fs.ShouldAppend())

	disks := cfg.StorageDevices()
	require.Len(t, disks, 2)
	assert.Equal(t, vmconfig.StorageVirtioBlock, disks[0].Bus())
	assert.Equal(t, filepath.Join(dir, "disk.img"), disks[0].Attachment().Path())
	assert.Equal(t, vmconfig.StorageUSBMassStorage, disks[1].Bus())
	assert.True(t, disks[1].Attachment().ReadOnly())

	nets := cfg.NetworkDevices()
	require.Len(t, nets, 2)
	assert.Equal(t, "52:54:00:12:34:56", nets[0].MACAddress().String())
	assert.Equal(t, 9000, nets[1].MaximumTransmissionUnit())
	assert.Equal(t, 1, calls)

	require.NotNil(t, cfg.ClipboardAgent())
	assert.True(t, cfg.ClipboardAgent().SharesClipboard())
}

func TestAssembleLinuxBoot(t *testing.T) {
	m, err := Parse(strings.NewReader(`
name: kernel
boot:
  loader: linux
  kernel: /boot/vmlinuz
  initrd: /boot/initrd
  cmdline: console=hvc0
`))
	require.NoError(t, err)
	assert.False(t, m.UsesStdio())

	identity, err := vmconfig.NewMachineIdentity()
	require.NoError(t, err)
	cfg, err := m.Assemble(identity, Environment{})
	require.NoError(t, err)

	boot, ok := cfg.BootDescriptor().(*vmconfig.LinuxBootLoader)
	require.True(t, ok)
	assert.Equal(t, "/boot/vmlinuz", boot.KernelPath())
	assert.Equal(t, "/boot/initrd", boot.InitrdPath())
	assert.Equal(t, "console=hvc0", boot.CommandLine())
	assert.Equal(t, vmconfig.DefaultCPUCount, cfg.CPUCount())
}

func TestAssembleDefaultConsoleLog(t *testing.T) {
	m, err := Parse(strings.NewReader("name: a\nboot: {loader: linux, kernel: /k}\nconsoles: [{capacity: 1, ports: [{slot: 0, attach: {type: file}}]}]\n"))
	require.NoError(t, err)
	identity, err := vmconfig.NewMachineIdentity()
	require.NoError(t, err)

	cfg, err := m.Assemble(identity, Environment{ConsoleLogPath: "/var/log/vzbox/a/console.log"})
	require.NoError(t, err)
	p, err := cfg.ConsoleDevices()[0].Port(0)
	require.NoError(t, err)
	att, ok := p.Attachment().(*vmconfig.FileSerialAttachment)
	require.True(t, ok)
	assert.Equal(t, "/var/log/vzbox/a/console.log", att.Path())
}

func TestAssembleFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "socketpair without provider",
			body: "name: a\nboot: {loader: linux, kernel: /k}\nnetworks: [{type: socketpair}]\n",
		},
		{
			name: "file attach without any path",
			body: "name: a\nboot: {loader: linux, kernel: /k}\nconsoles: [{capacity: 1, ports: [{slot: 0, attach: {type: file}}]}]\n",
		},
		{
			name: "efi without variable store",
			body: "name: a\nboot: {loader: efi}\n",
		},
		{
			name: "port outside capacity",
			body: "name: a\nboot: {loader: linux, kernel: /k}\nconsoles: [{capacity: 1, ports: [{slot: 3}]}]\n",
		},
		{
			name: "two primary ports",
			body: "name: a\nboot: {loader: linux, kernel: /k}\nconsoles: [{capacity: 2, ports: [{slot: 0, console: true}, {slot: 1, console: true}]}]\n",
		},
		{
			name: "graphics without scanouts",
			body: "name: a\nboot: {loader: linux, kernel: /k}\ngraphics: {scanouts: []}\n",
		},
		{
			name: "multicast mac",
			body: "name: a\nboot: {loader: linux, kernel: /k}\nnetworks: [{type: nat, mac: \"01:00:5e:00:00:01\"}]\n",
		},
		{
			name: "memory too small",
			body: "name: a\nmemory_mib: 1\nboot: {loader: linux, kernel: /k}\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse(strings.NewReader(tt.body))
			require.NoError(t, err)
			identity, err := vmconfig.NewMachineIdentity()
			require.NoError(t, err)

			_, err = m.Assemble(identity, Environment{})
			assert.Error(t, err)
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: "name: a\nboot: {loader: efi}\ncpu: 2\n"},
		{name: "bad name", body: "name: ../a\nboot: {loader: efi}\n"},
		{name: "missing loader", body: "name: a\n"},
		{name: "linux without kernel", body: "name: a\nboot: {loader: linux}\n"},
		{name: "unknown attach", body: "name: a\nboot: {loader: efi}\nconsoles: [{capacity: 1, ports: [{slot: 0, attach: {type: tcp}}]}]\n"},
		{name: "two stdio ports", body: "name: a\nboot: {loader: efi}\nconsoles: [{capacity: 2, ports: [{slot: 0, attach: {type: stdio}}, {slot: 1, attach: {type: stdio}}]}]\n"},
		{name: "disk without path", body: "name: a\nboot: {loader: efi}\ndisks: [{bus: virtio}]\n"},
		{name: "unknown bus", body: "name: a\nboot: {loader: efi}\ndisks: [{path: d, bus: nvme}]\n"},
		{name: "unknown network", body: "name: a\nboot: {loader: efi}\nnetworks: [{type: bridged}]\n"},
		{name: "mtu on nat", body: "name: a\nboot: {loader: efi}\nnetworks: [{type: nat, mtu: 9000}]\n"},
		{name: "bad mac", body: "name: a\nboot: {loader: efi}\nnetworks: [{type: nat, mac: zz}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.body))
			require.Error(t, err)
			assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
		})
	}
}
