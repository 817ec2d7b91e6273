package common

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	idNode     *snowflake.Node
	idNodeOnce sync.Once
)

// SetNodeID must be called before the first UUIDint64 when several processes
// share one database.
func SetNodeID(n int64) error {
	node, err := snowflake.NewNode(n)
	if err != nil {
		return err
	}
	idNode = node
	return nil
}

// UUIDint64 returns a time ordered int64 id.
func UUIDint64() int64 {
	idNodeOnce.Do(func() {
		if idNode == nil {
			idNode, _ = snowflake.NewNode(1)
		}
	})
	return idNode.Generate().Int64()
}
