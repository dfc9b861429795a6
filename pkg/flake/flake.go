// Package flake wraps snowflake id generation for all engine keys.
package flake

import (
	"hash/adler32"
	"os"

	"github.com/bwmarrin/snowflake"
)

// NewNode creates a generator with an explicit node id, used when the
// deployment assigns stable node ids through configuration.
func NewNode(nodeId int64) (*snowflake.Node, error) {
	return snowflake.NewNode(nodeId)
}

// NewSeededNode derives the node id from the process environment.
// Constraint: two processes with identical environments get the same
// seed, so configured node ids are preferred in multi-node setups.
func NewSeededNode() *snowflake.Node {
	node, err := snowflake.NewNode(envSeed(os.Environ()))
	if err != nil {
		panic("can't initialize snowflake id generator: " + err.Error())
	}
	return node
}

func envSeed(env []string) int64 {
	hash32 := adler32.New()
	for _, e := range env {
		hash32.Write([]byte(e))
	}
	return int64(hash32.Sum32() % 1024)
}
