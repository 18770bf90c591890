package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"simple", "-i url -c copy", []string{"-i", "url", "-c", "copy"}},
		{"collapsed whitespace", "  -i   url\t-f mpegts ", []string{"-i", "url", "-f", "mpegts"}},
		{"double quotes", `-metadata title="My Channel" -c copy`, []string{"-metadata", "title=My Channel", "-c", "copy"}},
		{"single quotes", "-vf 'scale=1280:720' -c:a aac", []string{"-vf", "scale=1280:720", "-c:a", "aac"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitArgs(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := SplitArgs(`-metadata title="unterminated`)
	assert.Error(t, err)
}

func TestBuildArgs(t *testing.T) {
	args, err := BuildArgs("-hide_banner -i [URL] -c copy -f mpegts pipe:1",
		"http://up.example/live.ts", "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-hide_banner", "-i", "http://up.example/live.ts", "-c", "copy", "-f", "mpegts", "pipe:1",
	}, args)
}

func TestBuildArgsInsertsExtraInputBeforeInput(t *testing.T) {
	args, err := BuildArgs("-hide_banner -i [URL] -c copy pipe:1",
		"http://up.example/live.m3u8",
		"-allowed_extensions ALL")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-hide_banner", "-allowed_extensions", "ALL", "-i", "http://up.example/live.m3u8", "-c", "copy", "pipe:1",
	}, args)
}

func TestBuildArgsMissingPlaceholder(t *testing.T) {
	_, err := BuildArgs("-i input.ts -c copy pipe:1", "http://up.example/x", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[URL]")
}
