package staging

import (
	"sort"

	"go.uber.org/zap"

	"github.com/stagehand-ci/stagehand/internal/logfields"
)

// Split is a half of a failed staging waiting to be restaged.
// Bisecting failed stagings narrows a CI failure down to the batch causing
// it.
type Split struct {
	ID      SplitID
	Target  string
	Batches []BatchID
}

func (s *Split) clone() *Split {
	batches := make([]BatchID, len(s.Batches))
	copy(batches, s.Batches)

	return &Split{
		ID:      s.ID,
		Target:  s.Target,
		Batches: batches,
	}
}

func (s *Split) LogFields() []zap.Field {
	return []zap.Field{
		zap.Int("split", int(s.ID)),
		logfields.Branch(s.Target),
	}
}

// PendingSplits returns the splits waiting to be staged on the target, in
// creation order.
func (tx *Tx) PendingSplits(target string) []*Split {
	var result []*Split

	tx.EachSplit(func(split *Split) bool {
		if split.Target == target {
			result = append(result, split)
		}

		return true
	})

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result
}
