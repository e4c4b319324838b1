package crdttest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Expected bytes are Y.encodeStateAsUpdate / Y.encodeStateVector output for
// docs with the given clientID.
func TestBuildersMatchYjsOutput(t *testing.T) {
	assert.Equal(t,
		[]byte{1, 1, 5, 0, 4, 1, 7, 'c', 'o', 'n', 't', 'e', 'n', 't', 2, 'h', 'i', 0},
		TextAppend(5, 0, "hi"))
	assert.Equal(t,
		[]byte{1, 1, 5, 2, 132, 5, 1, 1, '!', 0},
		TextAppend(5, 2, "!"))
	assert.Equal(t,
		[]byte{1, 1, 2, 0, 40, 1, 1, 'm', 1, 'k', 1, 119, 1, 'v', 0},
		MapSet(2, 0, "m", "k", "v"))
	assert.Equal(t, []byte{0, 1, 5, 1, 0, 1}, Delete(5, 0, 1))
	assert.Equal(t, []byte{2, 9, 4, 5, 3}, StateVector(map[uint64]uint64{5: 3, 9: 4}))
}
