package scheduler

import "github.com/syncstore/syncstore/pkg/types"

// conflictPairs declares which operation types cannot overlap. Pairs are
// symmetric; listing one direction is enough.
var conflictPairs = [][2]types.OperationType{
	{types.OpClear, types.OpUpload},
	{types.OpClear, types.OpSync},
	{types.OpClear, types.OpLoad},
	{types.OpClear, types.OpAnalysis},
	{types.OpClear, types.OpDelete},
	{types.OpClear, types.OpClear},
	{types.OpLoad, types.OpSync},
}

var conflictMatrix = buildConflictMatrix()

func buildConflictMatrix() map[types.OperationType]map[types.OperationType]bool {
	m := make(map[types.OperationType]map[types.OperationType]bool)
	add := func(a, b types.OperationType) {
		if m[a] == nil {
			m[a] = make(map[types.OperationType]bool)
		}
		m[a][b] = true
	}
	for _, pair := range conflictPairs {
		add(pair[0], pair[1])
		add(pair[1], pair[0])
	}
	return m
}

// ConflictsWith reports whether two operation types cannot run or queue
// concurrently.
func ConflictsWith(a, b types.OperationType) bool {
	return conflictMatrix[a][b]
}
