// Package conv provides safe integer type conversion utilities.
//
// Vertex spans are stored as fixed-width integers and vertex-array offsets
// cross into 32-bit device ids; these helpers bounds-check the narrowing.
// For conversions that are provably safe by domain constraints, use direct
// type casts instead.
package conv
