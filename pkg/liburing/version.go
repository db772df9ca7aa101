//go:build linux

package liburing

import (
	"bytes"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Version is a parsed uname(2) release string, cached process-wide. It
// exists so Params.Validate can drop a setup flag the running kernel
// predates instead of submitting it and letting io_uring_setup fail
// construction outright over one flag it doesn't recognize.
type Version struct {
	Major    int
	Minor    int
	Patch    int
	Flavor   string
	validate bool
}

// Invalidate reports that the kernel version could not be determined,
// either because uname(2) failed or its release string didn't parse.
// Validate treats this as fatal and returns ErrUnknownKernelVersion.
func (v Version) Invalidate() bool {
	return !v.validate
}

func (v Version) compare(major, minor, patch int) int {
	if v.Major != major {
		if v.Major > major {
			return 1
		}
		return -1
	}
	if v.Minor != minor {
		if v.Minor > minor {
			return 1
		}
		return -1
	}
	if v.Patch != patch {
		if v.Patch > patch {
			return 1
		}
		return -1
	}
	return 0
}

// GTE reports whether this version is at or above major.minor.patch.
func (v Version) GTE(major, minor, patch int) bool {
	return v.compare(major, minor, patch) >= 0
}

// GetVersion returns the running kernel's parsed version, probing
// uname(2) at most once per process.
func GetVersion() Version {
	kernelVersionOnce.Do(func() {
		kernelVersion = probeVersion()
	})
	return kernelVersion
}

var (
	kernelVersion     Version
	kernelVersionOnce sync.Once
)

func probeVersion() Version {
	uts := &unix.Utsname{}
	if err := unix.Uname(uts); err != nil {
		return Version{}
	}
	release := string(uts.Release[:bytes.IndexByte(uts.Release[:], 0)])
	major, minor, patch, flavor, err := parseKernelVersion(release)
	if err != nil {
		return Version{}
	}
	return Version{Major: major, Minor: minor, Patch: patch, Flavor: flavor, validate: true}
}

func parseKernelVersion(release string) (major int, minor int, patch int, flavor string, err error) {
	var partial string

	parsed, _ := fmt.Sscanf(release, "%d.%d%s", &major, &minor, &partial)
	if parsed < 2 {
		err = fmt.Errorf("liburing: cannot parse kernel release %q", release)
		return
	}

	parsed, _ = fmt.Sscanf(partial, ".%d%s", &patch, &flavor)
	if parsed < 1 {
		flavor = partial
	}
	return
}
