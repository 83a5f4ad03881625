package keyring

import "runtime"

// Zero overwrites key material in place. Best effort: the garbage collector
// may have copied the slice's backing array before this runs, so Zero reduces
// the window key material is resident rather than guaranteeing erasure.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
