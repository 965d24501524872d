//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package dispatch

// maxSignal is the highest signal the runtime delivers on darwin and the
// BSDs.
const maxSignal = 31
