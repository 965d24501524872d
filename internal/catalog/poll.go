//go:build linux || solaris

package catalog

import "golang.org/x/sys/unix"

var pollEntries = []Entry{{"SIGPOLL", int(unix.SIGPOLL)}}
