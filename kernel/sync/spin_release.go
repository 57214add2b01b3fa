//go:build !kdebug

package sync

func checkSpinAttempts(_ uint32) {}
