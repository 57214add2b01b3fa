//go:build kdebug

package sync

// maxSpinAttempts bounds the number of attempts for acquiring a spinlock in
// debug builds.
const maxSpinAttempts = 1 << 26

func checkSpinAttempts(attempt uint32) {
	if attempt >= maxSpinAttempts {
		panic(ErrSpinlockDeadlock)
	}
}
