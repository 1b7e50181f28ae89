// Package vmconfig describes the virtual hardware of a guest: boot loader,
// machine identity and device nodes. Nodes are mutable until Build seals them
// into a MachineConfiguration, after which every setter fails with
// ErrConfigurationFrozen.
package vmconfig
