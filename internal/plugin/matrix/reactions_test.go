package matrix

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestReactionIndexForgetsOldest(t *testing.T) {
	r := newReactionIndex(3)
	for i := 0; i < 5; i++ {
		r.put(reactionKey{"!room", "$evt" + strconv.Itoa(i), "👍"}, id.EventID("$r"+strconv.Itoa(i)))
	}
	assert.Equal(t, 3, r.len())

	_, ok := r.take(reactionKey{"!room", "$evt0", "👍"})
	assert.False(t, ok)
	got, ok := r.take(reactionKey{"!room", "$evt4", "👍"})
	require.True(t, ok)
	assert.Equal(t, id.EventID("$r4"), got)
	assert.Equal(t, 2, r.len())
}

func TestReactionIndexReplaceRefreshes(t *testing.T) {
	r := newReactionIndex(2)
	a := reactionKey{"!room", "$a", "👍"}
	r.put(a, "$r1")
	r.put(reactionKey{"!room", "$b", "👍"}, "$r2")
	r.put(a, "$r3")
	r.put(reactionKey{"!room", "$c", "👍"}, "$r4")

	got, ok := r.take(a)
	require.True(t, ok)
	assert.Equal(t, id.EventID("$r3"), got)
	_, ok = r.take(reactionKey{"!room", "$b", "👍"})
	assert.False(t, ok)
}
