package dma

import "errors"

// ErrBufferInHW is returned by Pool.Free when a buffer is still posted to
// hardware (spec.md §4.1: "the pool must not be in use; no buffers may be
// in_hw").
var ErrBufferInHW = errors.New("dma: buffer still owned by hardware")
