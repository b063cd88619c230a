package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTopic(t *testing.T) {
	t.Parallel()

	const node = "nodeA"

	tests := []struct {
		topic string
		want  request
		ok    bool
	}{
		{"nodeA/submit/0", request{verb: verbSubmit, jid: 0}, true},
		{"nodeA/submit/42", request{verb: verbSubmit, jid: 42}, true},
		{"nodeA/stdin/9", request{verb: verbStdin, jid: 9}, true},
		{"nodeA/eof/9", request{verb: verbEOF, jid: 9}, true},
		{"nodeA/signal/42/15", request{verb: verbSignal, jid: 42, signum: 15}, true},
		{"nodeA/scram", request{verb: verbScram}, true},
		{"nodeA/exit", request{verb: verbExit}, true},
		{"nodeA/reload", request{verb: verbReload}, true},
		{"grid/ping", request{verb: verbPing}, true},
		{"grid/scram", request{verb: verbScram}, true},

		// a jid that is not an unsigned decimal falls through to unknown
		{"nodeA/submit/banana", request{}, false},
		{"nodeA/submit/-1", request{}, false},
		{"nodeA/submit/4294967296", request{}, false},
		{"nodeA/signal/42/nope", request{}, false},
		{"nodeA/signal/42/-9", request{}, false},

		// wrong shapes and namespaces
		{"nodeA/submit", request{}, false},
		{"nodeA/submit/1/extra", request{}, false},
		{"nodeA/frobnicate/1", request{}, false},
		{"nodeB/submit/1", request{}, false},
		{"grid/frobnicate", request{}, false},
		{"job/1/stdout", request{}, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.topic, func(t *testing.T) {
			t.Parallel()
			assert := assert.New(t)
			got, ok := parseTopic(node, tt.topic)
			assert.Equal(tt.ok, ok)
			if tt.ok {
				assert.Equal(tt.want, got)
			}
		})
	}
}

func TestParseTopicBoundaryJIDs(t *testing.T) {
	t.Parallel()

	got, ok := parseTopic("n", "n/submit/4294967295")
	assert.True(t, ok)
	assert.Equal(t, uint32(4294967295), got.jid)
}

func TestClampPayload(t *testing.T) {
	t.Parallel()

	p := []byte("abcdef")
	assert.Equal(t, p, clampPayload(p, 6))
	assert.Equal(t, p, clampPayload(p, 10))
	assert.Equal(t, []byte("abcd"), clampPayload(p, 4))
	assert.Empty(t, clampPayload(p, 0))
}
