//go:build unix && !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package dispatch

// maxSignal is the os/signal ceiling on the remaining unix platforms.
const maxSignal = 64
