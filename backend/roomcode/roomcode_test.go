package roomcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	for i := 0; i < 500; i++ {
		code := Generate()
		require.True(t, Valid(code), code)
		assert.False(t, strings.ContainsAny(code[:3], "ILO"), code)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		err   error
	}{
		{name: "canonical", input: "KXM-204", want: "KXM-204"},
		{name: "lowercase with spaces", input: " kxm 204 ", want: "KXM-204"},
		{name: "no dash", input: "kxm204", want: "KXM-204"},
		{name: "punctuation", input: "k.x.m/2_0_4", want: "KXM-204"},
		{name: "ambiguous letter", input: "KOM-204", err: ErrInvalidCode},
		{name: "too short", input: "KX-204", err: ErrInvalidCode},
		{name: "digits first", input: "204-KXM", err: ErrInvalidCode},
		{name: "empty", input: "", err: ErrInvalidCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
