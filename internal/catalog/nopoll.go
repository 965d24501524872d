// Darwin and the BSDs do not define SIGPOLL.

//go:build unix && !linux && !solaris

package catalog

var pollEntries []Entry
