//go:build !cgo || (!darwin && !linux)

package main

const hasBLAS = false

const blasMinWork = 1 << 62

// blasDgemv is never reached without cgo; Matvec keeps its pure-Go loop.
func blasDgemv(M, N int, A, x, y []float64) {
	panic("blasDgemv called without BLAS")
}
