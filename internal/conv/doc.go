// Package conv provides checked integer conversions.
//
// Byte offsets and sizes cross signedness boundaries between the planner
// (int64 byte offsets), file I/O (int64) and slice indexing (int). These
// helpers make the overflow checks explicit at the conversion site.
package conv
