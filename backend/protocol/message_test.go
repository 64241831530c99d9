package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/watchparty/backend/playback"
)

func TestDecodeSync(t *testing.T) {
	b, err := Encode(Sync(playback.URL("movie-A", playback.SourceEmbedded)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sync","event":{"kind":"url","ref":"movie-A","mode":"embedded"}}`, string(b))

	m, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, m.Event)
	assert.Equal(t, playback.EventURL, m.Event.Kind)
	assert.Equal(t, "movie-A", m.Event.Ref)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{name: "not json", raw: `{"type":`, err: ErrMalformed},
		{name: "unknown type", raw: `{"type":"promote"}`, err: ErrUnknownType},
		{name: "sync without event", raw: `{"type":"sync"}`, err: ErrMalformed},
		{name: "media without tag", raw: `{"type":"media-offer","media":{"sdp":"v=0"}}`, err: ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestMediaMessages(t *testing.T) {
	idx := uint16(1)
	m := Media(TypeMediaICE, MediaSignal{Tag: "camera", Candidate: "candidate:1", SDPMLineIndex: &idx})
	assert.True(t, m.IsMedia())
	assert.False(t, Chat("hi").IsMedia())

	b, err := Encode(m)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.Media.SDPMLineIndex)
	assert.Equal(t, uint16(1), *got.Media.SDPMLineIndex)
	assert.Nil(t, got.Media.SDPMid)
}
