package flake_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/flake"
)

func TestNewNodeGeneratesUniqueIds(t *testing.T) {
	node, err := flake.NewNode(1)
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for range 10000 {
		id := node.Generate().Int64()
		assert.False(t, seen[id], "id %d generated twice", id)
		seen[id] = true
	}
}

func TestNewNodeRejectsOutOfRangeNodeIds(t *testing.T) {
	_, err := flake.NewNode(1024)
	assert.Error(t, err)
}

func TestSeededNodeGenerates(t *testing.T) {
	node := flake.NewSeededNode()
	assert.NotZero(t, node.Generate().Int64())
}
