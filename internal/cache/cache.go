package cache

import (
	"context"

	"github.com/LeventeLantos/sequenced-messaging/internal/model"
)

// SequenceCache holds the active-sequence listing. A miss is reported with
// ok=false and a nil error.
type SequenceCache interface {
	ActiveSequences(ctx context.Context) (list []model.SequenceSummary, ok bool, err error)
	StoreActiveSequences(ctx context.Context, list []model.SequenceSummary) error
}
