package models

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// RunNamespace seeds position ids when no run id is supplied
var RunNamespace = uuid.MustParse("6f1c7d1e-4b53-4f0e-9d4a-6a3c2b7e8f10")

// SequentialIDs returns a generator of deterministic position ids: the same
// run id always yields the same sequence.
func SequentialIDs(runID uuid.UUID) func() string {
	var n atomic.Int64
	return func() string {
		seq := n.Add(1)
		return uuid.NewSHA1(runID, []byte(fmt.Sprintf("position-%d", seq))).String()
	}
}

// ShortID returns the first 8 characters of an id for log lines
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
