package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zane33/plexbridge/internal/config"
)

func classifierConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Templates = config.TemplatesConfig{
		MpegtsCopy:     "-i [URL] -c copy -f mpegts pipe:1",
		MpegtsReencode: "-i [URL] -c:v libx264 -f mpegts pipe:1",
		PreviewMP4:     "-i [URL] -f mp4 pipe:1",
	}
	return cfg
}

func TestClassifyBuiltins(t *testing.T) {
	c := NewClassifier(classifierConfig())

	tests := []struct {
		ua   string
		want ClientClass
	}{
		{"PlexMediaServer/1.40.2", ClientPlex},
		{"Plex/8.30 (iOS)", ClientPlex},
		{"VLC/3.0.20 LibVLC/3.0.20", ClientVLC},
		{"Lavf/60.3.100", ClientFFmpeg},
		{"Mozilla/5.0 (X11; Linux) AppleWebKit/537.36", ClientWeb},
		{"SomeSetTopBox/1.0", ClientGeneric},
		{"", ClientGeneric},
	}
	for _, tt := range tests {
		got := c.Classify(tt.ua)
		assert.Equal(t, tt.want, got.Class, tt.ua)
		assert.True(t, got.Resilient)
		assert.Contains(t, got.Template, "[URL]")
	}
}

func TestClassifyConfigRuleWins(t *testing.T) {
	off := false
	cfg := classifierConfig()
	cfg.Clients.Rules = []config.ClientRule{
		{Substring: "vlc", Class: "lab-player", Template: "reencode", Resilience: &off},
	}
	c := NewClassifier(cfg)

	got := c.Classify("VLC/3.0.20")
	assert.Equal(t, ClientClass("lab-player"), got.Class)
	assert.Equal(t, cfg.Templates.MpegtsReencode, got.Template)
	assert.False(t, got.Resilient)
	assert.Equal(t, "rule", got.Source)
}

func TestClassifyInlineTemplate(t *testing.T) {
	cfg := classifierConfig()
	cfg.Clients.Rules = []config.ClientRule{
		{Substring: "settop", Template: "-fflags +genpts -i [URL] -c copy -f mpegts pipe:1"},
	}
	c := NewClassifier(cfg)

	got := c.Classify("SetTopBox SetTop/2.1")
	assert.Equal(t, ClientGeneric, got.Class, "rules without a class fall back to generic")
	assert.Contains(t, got.Template, "-fflags +genpts")
}

func TestTemplateByNameFallback(t *testing.T) {
	c := NewClassifier(classifierConfig())
	assert.Equal(t, c.templates.MpegtsCopy, c.templateByName("no-such-template"))
	assert.Equal(t, c.templates.PreviewMP4, c.templateByName("preview"))
}
