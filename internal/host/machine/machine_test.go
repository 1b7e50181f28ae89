package machine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/go-events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledbf/vzbox/internal/bridge"
	"github.com/aledbf/vzbox/internal/host/vm"
	"github.com/aledbf/vzbox/internal/host/vm/simulator"
	"github.com/aledbf/vzbox/internal/vmconfig"
)

func testConfig(t *testing.T) *vmconfig.MachineConfiguration {
	t.Helper()
	id, err := vmconfig.NewMachineIdentity()
	require.NoError(t, err)
	store, err := vmconfig.NewVariableStore(filepath.Join(t.TempDir(), "efi.vars"), vmconfig.WithCreatingVariableStore())
	require.NoError(t, err)
	boot, err := vmconfig.NewEFIBootLoader(store)
	require.NoError(t, err)

	console, err := vmconfig.NewConsoleDevice(2)
	require.NoError(t, err)
	require.NoError(t, console.SetPort(0, vmconfig.NewConsolePort(
		vmconfig.WithPortName("com.example.console"),
		vmconfig.WithPortIsConsole(true),
	)))

	cfg, err := vmconfig.Build(id, boot, []vmconfig.Device{console, vmconfig.NewClipboardAgentDevice()})
	require.NoError(t, err)
	return cfg
}

func nextEvent(t *testing.T, ch *events.Channel) events.Event {
	t.Helper()
	select {
	case ev := <-ch.C:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func newTestMachine(t *testing.T, engine vm.Engine) (*Machine, *bridge.Bridge, *events.Channel) {
	t.Helper()
	b := bridge.New()
	ch := events.NewChannel(0)
	m, err := New(t.Context(), engine, b, testConfig(t), ch, WithSessionID("test-vm"))
	require.NoError(t, err)
	return m, b, ch
}

func TestNewClaimsConfiguration(t *testing.T) {
	cfg := testConfig(t)
	b := bridge.New()
	_, err := New(t.Context(), simulator.New(), b, cfg, events.NewChannel(0))
	require.NoError(t, err)
	assert.True(t, cfg.Claimed())

	_, err = New(t.Context(), simulator.New(), b, cfg, events.NewChannel(0))
	assert.ErrorIs(t, err, vmconfig.ErrConfigurationFrozen)
	assert.Equal(t, 1, b.Len())

	_, err = New(t.Context(), simulator.New(), b, testConfig(t), nil)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestAccessorsBeforeStart(t *testing.T) {
	m, _, _ := newTestMachine(t, simulator.New())
	assert.Equal(t, StateCreated, m.State())

	_, err := m.ConsoleDevices()
	assert.ErrorIs(t, err, ErrDeviceNotReady)
	assert.True(t, errdefs.IsUnavailable(err))

	dev := m.WrapConsoleDevice(nil)
	_, err = dev.MaximumPortCount()
	assert.ErrorIs(t, err, ErrDeviceNotReady)
	_, err = m.WrapConsolePort(nil).Name()
	assert.ErrorIs(t, err, ErrDeviceNotReady)
}

func TestStartAndAccessors(t *testing.T) {
	m, _, ch := newTestMachine(t, simulator.New())

	require.NoError(t, m.Start(vm.NewSerialExecutor(), vm.StartOptions{}))
	assert.True(t, errdefs.IsFailedPrecondition(m.Start(nil, vm.StartOptions{})))

	ev, ok := nextEvent(t, ch).(*bridge.StartEvent)
	require.True(t, ok)
	assert.Equal(t, "test-vm", ev.SessionID)
	assert.Equal(t, m.Handle(), ev.Handle)
	assert.NoError(t, ev.Err)
	require.NoError(t, m.WaitStarted(t.Context()))
	assert.Equal(t, StateRunning, m.State())

	devs, err := m.ConsoleDevices()
	require.NoError(t, err)
	require.Len(t, devs, 2, "configured console plus the clipboard agent console")

	n, err := devs[0].MaximumPortCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	port, err := devs[0].Port(0)
	require.NoError(t, err)
	name, err := port.Name()
	require.NoError(t, err)
	assert.Equal(t, "com.example.console", name)

	empty, err := devs[0].Port(1)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = devs[0].Port(2)
	assert.ErrorIs(t, err, vmconfig.ErrIndexOutOfRange)
	_, err = devs[0].Port(-1)
	assert.ErrorIs(t, err, vmconfig.ErrIndexOutOfRange)

	ports, err := devs[1].Ports()
	require.NoError(t, err)
	require.Len(t, ports, 1)
	name, err = ports[0].Name()
	require.NoError(t, err)
	assert.Equal(t, vmconfig.SpiceAgentPortName, name)
	att, err := ports[0].Attachment()
	require.NoError(t, err)
	assert.IsType(t, &vmconfig.SpiceAgentAttachment{}, att)

	serial, err := vmconfig.NewFileSerialAttachment(filepath.Join(t.TempDir(), "console.log"), false)
	require.NoError(t, err)
	require.NoError(t, port.SetAttachment(serial))
	got, err := port.Attachment()
	require.NoError(t, err)
	assert.Same(t, serial, got)

	require.NoError(t, m.Stop(t.Context()))
	assert.Equal(t, StateStopped, m.State())
	_, err = port.Name()
	assert.ErrorIs(t, err, ErrDeviceNotReady)
	_, err = m.ConsoleDevices()
	assert.ErrorIs(t, err, ErrDeviceNotReady)

	// The session sink is closed after the last event.
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("session sink was not closed")
	}
	assert.NoError(t, m.Stop(t.Context()))
}

func TestStartFailure(t *testing.T) {
	m, _, ch := newTestMachine(t, simulator.New(simulator.WithBootFailure("invalid virtual machine configuration")))
	require.NoError(t, m.Start(nil, vm.StartOptions{}))

	ev := nextEvent(t, ch).(*bridge.StartEvent)
	var bf *vm.BootFailure
	require.ErrorAs(t, ev.Err, &bf)
	assert.Equal(t, "invalid virtual machine configuration", bf.Reason)

	err := m.WaitStarted(t.Context())
	assert.ErrorAs(t, err, &bf)
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, bf, m.BootError())

	_, err = m.ConsoleDevices()
	assert.ErrorIs(t, err, ErrDeviceNotReady)
	require.NoError(t, m.Stop(t.Context()))
}

func TestPortEventsReachHost(t *testing.T) {
	engine := simulator.New()
	b := bridge.New()
	ch := events.NewChannel(0)
	cfg := testConfig(t)
	m, err := New(t.Context(), engine, b, cfg, ch)
	require.NoError(t, err)

	exec := vm.NewSerialExecutor()
	defer exec.Close()
	require.NoError(t, m.Start(exec, vm.StartOptions{}))
	nextEvent(t, ch)

	sim := m.native.(*simulator.Machine)
	require.NoError(t, sim.OpenPort(0, 0))
	require.NoError(t, sim.ClosePort(0, 0))
	require.NoError(t, sim.OpenPort(0, 0))

	var kinds []bridge.PortEventKind
	for range 3 {
		pe := nextEvent(t, ch).(*bridge.PortEvent)
		assert.Equal(t, m.Handle(), pe.Handle)
		name, err := m.WrapConsolePort(pe.Port).Name()
		require.NoError(t, err)
		assert.Equal(t, "com.example.console", name)
		n, err := m.WrapConsoleDevice(pe.Device).MaximumPortCount()
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		kinds = append(kinds, pe.Kind)
	}
	assert.Equal(t, []bridge.PortEventKind{bridge.PortOpened, bridge.PortClosed, bridge.PortOpened}, kinds)

	require.NoError(t, m.Close(t.Context()))
	require.NoError(t, sim.OpenPort(0, 0), "engine still runs after Close")
	assert.Eventually(t, func() bool { return b.Metrics().Snapshot().EventsDropped == 1 }, time.Second, 5*time.Millisecond)
}

func TestPortOpenedRightAfterStart(t *testing.T) {
	for i := range 50 {
		m, _, ch := newTestMachine(t, simulator.New())
		exec := vm.NewSerialExecutor()

		require.NoError(t, m.Start(exec, vm.StartOptions{}))
		require.NoError(t, m.WaitStarted(t.Context()))
		require.NoError(t, m.native.(*simulator.Machine).OpenPort(0, 0), "iteration %d", i)

		_, ok := nextEvent(t, ch).(*bridge.StartEvent)
		require.True(t, ok)
		pe, ok := nextEvent(t, ch).(*bridge.PortEvent)
		require.True(t, ok, "iteration %d", i)
		assert.Equal(t, bridge.PortOpened, pe.Kind)

		require.NoError(t, m.Close(t.Context()))
		require.NoError(t, exec.Close())
	}
}

func TestGuestPowerOff(t *testing.T) {
	m, _, ch := newTestMachine(t, simulator.New())
	require.NoError(t, m.Start(nil, vm.StartOptions{}))
	nextEvent(t, ch)
	require.NoError(t, m.WaitStarted(t.Context()))

	m.native.(*simulator.Machine).PowerOff()
	select {
	case <-m.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("power off was not observed")
	}
	require.NoError(t, m.Stop(t.Context()))
	assert.Equal(t, StateStopped, m.State())
}

func TestStopBeforeStart(t *testing.T) {
	m, b, _ := newTestMachine(t, simulator.New())
	require.NoError(t, m.Stop(t.Context()))
	assert.Equal(t, 0, b.Len())

	err := m.WaitStarted(t.Context())
	assert.ErrorIs(t, err, ErrDeviceNotReady)
	assert.True(t, errdefs.IsFailedPrecondition(m.Start(nil, vm.StartOptions{})))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "state(42)", State(42).String())
}
