//go:build !amd64 && !arm64

package unwind

// Unknown register layout, full mode falls back to stack copies only.
const archUnwindRegs = 0
