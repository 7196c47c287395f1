// Package profile inspects the host (cores, memory, SIMD support) and
// derives the durability preset and consensus heartbeat for it.
package profile
