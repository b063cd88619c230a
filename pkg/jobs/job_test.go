package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrubEnv(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	env := []string{
		"PATH=/usr/bin",
		"GRID_HOST=broker",
		"GRID_PASSWORD=hunter2",
		"TERM=xterm-256color",
		"SSH_CONNECTION=198.51.100.7 1234 203.0.113.2 22",
		"HOME=/home/op",
		"TERMINFO=/usr/share/terminfo", // prefix of a denied name is not denied
	}

	assert.Equal([]string{
		"PATH=/usr/bin",
		"HOME=/home/op",
		"TERMINFO=/usr/share/terminfo",
	}, scrubEnv(env))
}

func TestSourceString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stdout", Stdout.String())
	assert.Equal(t, "stderr", Stderr.String())
}
