package crypto

import "runtime"

// Wipe zeroes b in place. It is marked noinline and calls runtime.KeepAlive
// on the backing slice so the dead-store elimination pass cannot conclude
// the writes are unobservable and drop them — a plain loop followed by
// letting b go out of scope gives the compiler exactly that opening.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// WipeAll wipes every slice in bs.
func WipeAll(bs ...[]byte) {
	for _, b := range bs {
		Wipe(b)
	}
}
