//go:build unix

// Package catalog enumerates the signal names sigrelay understands and maps
// them to the host platform's signal numbers.
//
// The set is fixed at compile time: the POSIX.1-1990 baseline, the
// SUSv2/POSIX.1-2001 extensions, and two widely available extras (SIGIO and
// SIGWINCH). SIGPOLL is only present on platforms that define it.
package catalog

import (
	"strings"

	"golang.org/x/sys/unix"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Entry is a single catalog row.
type Entry struct {
	// Name is the conventional signal name including the "SIG" prefix.
	Name string
	// Number is the platform's numeric value for the signal.
	Number int
}

// ///////////////////////////////////////////////
// Catalog Data
// ///////////////////////////////////////////////

// posix1990 is the POSIX.1-1990 baseline set.
var posix1990 = []Entry{
	{"SIGHUP", int(unix.SIGHUP)},
	{"SIGINT", int(unix.SIGINT)},
	{"SIGQUIT", int(unix.SIGQUIT)},
	{"SIGILL", int(unix.SIGILL)},
	{"SIGABRT", int(unix.SIGABRT)},
	{"SIGFPE", int(unix.SIGFPE)},
	{"SIGKILL", int(unix.SIGKILL)},
	{"SIGSEGV", int(unix.SIGSEGV)},
	{"SIGPIPE", int(unix.SIGPIPE)},
	{"SIGALRM", int(unix.SIGALRM)},
	{"SIGTERM", int(unix.SIGTERM)},
	{"SIGUSR1", int(unix.SIGUSR1)},
	{"SIGUSR2", int(unix.SIGUSR2)},
	{"SIGCHLD", int(unix.SIGCHLD)},
	{"SIGCONT", int(unix.SIGCONT)},
	{"SIGSTOP", int(unix.SIGSTOP)},
	{"SIGTSTP", int(unix.SIGTSTP)},
	{"SIGTTIN", int(unix.SIGTTIN)},
	{"SIGTTOU", int(unix.SIGTTOU)},
}

// extensions returns the SUSv2/POSIX.1-2001 set. SIGPOLL is spliced in from
// [pollEntries], which is empty on platforms without it.
func extensions() []Entry {
	out := []Entry{{"SIGBUS", int(unix.SIGBUS)}}
	out = append(out, pollEntries...)
	return append(out,
		Entry{"SIGPROF", int(unix.SIGPROF)},
		Entry{"SIGSYS", int(unix.SIGSYS)},
		Entry{"SIGTRAP", int(unix.SIGTRAP)},
		Entry{"SIGURG", int(unix.SIGURG)},
		Entry{"SIGVTALRM", int(unix.SIGVTALRM)},
		Entry{"SIGXCPU", int(unix.SIGXCPU)},
		Entry{"SIGXFSZ", int(unix.SIGXFSZ)},
	)
}

// extras are not covered by a standard but exist everywhere we build.
var extras = []Entry{
	{"SIGIO", int(unix.SIGIO)},
	{"SIGWINCH", int(unix.SIGWINCH)},
}

// entries is the full catalog in declaration order, built once at init.
var entries = func() []Entry {
	out := make([]Entry, 0, len(posix1990)+10+len(extras))
	out = append(out, posix1990...)
	out = append(out, extensions()...)
	return append(out, extras...)
}()

// ///////////////////////////////////////////////
// Public API
// ///////////////////////////////////////////////

// Entries returns a copy of the catalog in declaration order.
func Entries() []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Names returns the catalog as a fresh name to number map.
func Names() map[string]int {
	m := make(map[string]int, len(entries))
	for _, e := range entries {
		m[e.Name] = e.Number
	}
	return m
}

// Normalize upper-cases name and adds the "SIG" prefix when it is missing,
// so "hup", "SIGhup" and "SIGHUP" all become "SIGHUP".
func Normalize(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" || strings.HasPrefix(name, "SIG") {
		return name
	}
	return "SIG" + name
}

// Lookup resolves a signal name to its number. Matching is case-insensitive
// and the "SIG" prefix is optional.
func Lookup(name string) (int, bool) {
	name = Normalize(name)
	for _, e := range entries {
		if e.Name == name {
			return e.Number, true
		}
	}
	return 0, false
}

// Name returns the catalog name for num. When several names share a number
// (SIGPOLL and SIGIO on linux) the first one in declaration order wins.
func Name(num int) (string, bool) {
	for _, e := range entries {
		if e.Number == num {
			return e.Name, true
		}
	}
	return "", false
}

// Catchable reports whether the disposition of num can be changed at all.
// SIGKILL and SIGSTOP are listed in the catalog but the kernel refuses to
// let them be caught or ignored.
func Catchable(num int) bool {
	return num != int(unix.SIGKILL) && num != int(unix.SIGSTOP)
}
