package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppend(t *testing.T) {
	l := NewLog()

	_, err := l.Append("peer-1", "alice", "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.Zero(t, l.Len())

	m, err := l.Append("peer-1", "alice", " hello ")
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Text)
	l.System("bob left")

	msgs := l.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "alice", msgs[0].Label())
	assert.True(t, msgs[1].System)

	msgs[0].Text = "changed"
	assert.Equal(t, "hello", l.Messages()[0].Text)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "alice", Label("alice", "0f3a9c2e-1111"))
	assert.Equal(t, "0f3a9c2e", Label("", "0f3a9c2e-1111"))
	assert.Equal(t, "short", Label("", "short"))
}
