// Package vz is the darwin engine backed by Apple's Virtualization framework
// through github.com/Code-Hex/vz/v3. On other platforms the package is empty.
package vz
