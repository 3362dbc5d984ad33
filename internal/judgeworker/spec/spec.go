// Package spec defines the sandbox executor's (C1) execution contract:
// the request shape it accepts and the result shape it returns.
package spec

import "time"

// ResourceLimit describes the hard limits C1 pins on a single container
// invocation.
type ResourceLimit struct {
	// MemoryBytes is memory = memory_swap for the container.
	MemoryBytes int64
	// TimeUs is the wall-clock cap enforced by C2, in microseconds.
	TimeUs int64
	// MaxOutputBytes caps the combined stdout+stderr captured from the
	// container's log stream.
	MaxOutputBytes int64
	// PIDs caps the number of processes/threads; zero means unlimited.
	PIDs int64
}

// MountSpec describes a bind mount inside the sandbox container.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec is the unified execution specification for one C1 invocation.
type RunSpec struct {
	// Image is the container image used as root filesystem.
	Image string
	// HostMountDir is bind-mounted read-write at Target (conventionally
	// /temp) and becomes the container's working directory.
	HostMountDir string
	Target       string
	Argv         []string
	Env          []string
	ExtraMounts  []MountSpec

	Limits ResourceLimit

	// SubmissionID/TestID identify the invocation. Executor.Execute does
	// not read them.
	SubmissionID string
	TestID       string
}

// SandboxExecuteResult is C1's output: exit status, resource usage, and
// captured combined output.
type SandboxExecuteResult struct {
	ExitCode        int
	TimeCostUs      int64
	MemoryCostBytes int64
	Output          string
	OutputTruncated bool
	OomKilled       bool
}

// WatchResult is C2's output: wall-clock elapsed and peak memory observed
// from outside the container.
type WatchResult struct {
	TimeResultUs   int64
	MemoryResultBytes int64
}

// Clock abstracts time.Now. Nothing in this module uses it; the watcher
// calls time.Now directly.
type Clock func() time.Time
