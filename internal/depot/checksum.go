// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

// Package depot implements the manifest-driven chunked download engine
// with per-chunk checksum validation and in-place repair.
package depot

// modPrime is the largest prime below 2^16; both checksum accumulators
// are kept modulo this value.
const modPrime = 65521

// Digest is the platform's 32-bit rolling checksum: two 16-bit
// accumulators mod 65521, combined as a | b<<16. Unlike RFC 1950
// Adler-32, both accumulators start at zero.
type Digest struct {
	a, b uint32
}

// Write folds p into the running checksum. The deferred modulo keeps
// the inner loop branch-free for long chunks.
func (d *Digest) Write(p []byte) {
	a, b := d.a, d.b
	for len(p) > 0 {
		// Largest block size that cannot overflow uint32 given
		// a, b < 65521 and bytes < 256.
		n := len(p)
		if n > 5552 {
			n = 5552
		}
		for _, c := range p[:n] {
			a += uint32(c)
			b += a
		}
		a %= modPrime
		b %= modPrime
		p = p[n:]
	}
	d.a, d.b = a, b
}

// Sum32 returns the combined checksum.
func (d *Digest) Sum32() uint32 {
	return d.a | d.b<<16
}

// Checksum computes the checksum of data in one call.
func Checksum(data []byte) uint32 {
	var d Digest
	d.Write(data)
	return d.Sum32()
}
