//go:build linux

package liburing

import "github.com/brickingsoft/errors"

// ErrUnsupportedEnvironment is returned by New when the running kernel
// lacks a feature bit the engine's submission pacing depends on. It
// carries a stable identity across package boundaries so callers can
// distinguish "this machine cannot run this engine" from any other
// construction failure.
var ErrUnsupportedEnvironment = errors.Define("io_uring: unsupported kernel environment")

// ErrUnknownKernelVersion is returned by Params.Validate when uname(2)
// could not be read or its release string could not be parsed, so the
// per-flag kernel-version gate has nothing reliable to compare against.
var ErrUnknownKernelVersion = errors.Define("io_uring: could not determine kernel version")
