// Package queue hands dispatch messages to the delivery transport.
//
// Batches are a transport concern only: a consumer must not assume that the
// messages of one batch are delivered or fail together.
package queue

import (
	"context"

	"github.com/LeventeLantos/sequenced-messaging/internal/model"
)

type Publisher interface {
	PublishBatch(ctx context.Context, msgs []model.DispatchMessage) error
}

// Batches splits msgs into consecutive chunks of at most size, preserving
// order. The chunks share msgs' backing array.
func Batches(msgs []model.DispatchMessage, size int) [][]model.DispatchMessage {
	if len(msgs) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(msgs)
	}
	out := make([][]model.DispatchMessage, 0, (len(msgs)+size-1)/size)
	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}
		out = append(out, msgs[start:end:end])
	}
	return out
}
