package dispatch

// maxSignal is the highest signal the runtime delivers on linux (SIGRTMAX).
const maxSignal = 64
