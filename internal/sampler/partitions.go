package sampler

import (
	"sort"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

// SelectPartitions picks the most recent non-empty partitions, at most
// maxPartitions of them, then narrows to the longest prefix whose logical
// bytes, read once per draw, fit under ceiling. It fails only when the newest
// partition alone does not fit.
func SelectPartitions(available []database.Partition, maxPartitions, draws int, ceiling int64) ([]database.Partition, error) {
	var candidates []database.Partition
	for _, p := range available {
		if p.RowCount > 0 {
			candidates = append(candidates, p)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return comparePartitionIDs(candidates[i].ID, candidates[j].ID) > 0
	})
	if len(candidates) > maxPartitions {
		candidates = candidates[:maxPartitions]
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	bytes := make([]int64, len(candidates))
	for i, p := range candidates {
		bytes[i] = p.LogicalBytes
	}
	n := fittingPrefix(bytes, draws, ceiling)
	if n == 0 {
		return nil, &apperrors.CostLimitExceededError{
			EstimatedBytes: candidates[0].LogicalBytes * int64(max(draws, 1)),
			CeilingBytes:   ceiling,
		}
	}
	return candidates[:n], nil
}

// fittingPrefix returns the length of the longest prefix of perQuery whose
// sum, multiplied by draws, stays within ceiling.
func fittingPrefix(perQuery []int64, draws int, ceiling int64) int {
	draws = max(draws, 1)
	var cumulative int64
	for i, b := range perQuery {
		cumulative += b
		if cumulative*int64(draws) > ceiling {
			return i
		}
	}
	return len(perQuery)
}

// comparePartitionIDs orders numeric ids numerically and everything else
// lexically, so "10" sorts after "9".
func comparePartitionIDs(a, b string) int {
	if isDigits(a) && isDigits(b) {
		ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(ta) != len(tb) {
			if len(ta) < len(tb) {
				return -1
			}
			return 1
		}
		return strings.Compare(ta, tb)
	}
	if na, errA := strconv.ParseInt(a, 10, 64); errA == nil {
		if nb, errB := strconv.ParseInt(b, 10, 64); errB == nil {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
