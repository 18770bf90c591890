package relay

import (
	"strings"

	"github.com/zane33/plexbridge/internal/config"
)

// ClientClass buckets downstream players by user agent.
type ClientClass string

const (
	ClientPlex    ClientClass = "plex"
	ClientVLC     ClientClass = "vlc"
	ClientFFmpeg  ClientClass = "ffmpeg"
	ClientWeb     ClientClass = "web"
	ClientGeneric ClientClass = "generic"
)

// Classification is the per-client decision: which transcoder template a
// session uses and whether the recovery ladder runs for it.
type Classification struct {
	Class     ClientClass
	Template  string
	Resilient bool
	Source    string
}

type builtinRule struct {
	substrings []string
	class      ClientClass
}

// Order matters: Plex players embed WebKit strings, so plex is checked
// before web.
var builtinRules = []builtinRule{
	{[]string{"plexmediaserver", "plex media server", "pms/", "plex/"}, ClientPlex},
	{[]string{"vlc", "libvlc"}, ClientVLC},
	{[]string{"lavf", "libavformat", "ffmpeg"}, ClientFFmpeg},
	{[]string{"mozilla", "applewebkit", "chrome", "safari"}, ClientWeb},
}

// Classifier maps user agents to classifications. Configured rules win
// over the builtin table.
type Classifier struct {
	rules     []config.ClientRule
	templates config.TemplatesConfig
}

// NewClassifier builds a classifier from configuration.
func NewClassifier(cfg *config.Config) *Classifier {
	return &Classifier{
		rules:     cfg.Clients.Rules,
		templates: cfg.Templates,
	}
}

// Classify decides the template and resilience policy for a user agent.
func (c *Classifier) Classify(userAgent string) Classification {
	ua := strings.ToLower(userAgent)

	for _, rule := range c.rules {
		if rule.Substring == "" || !strings.Contains(ua, strings.ToLower(rule.Substring)) {
			continue
		}
		cl := Classification{
			Class:     ClientClass(rule.Class),
			Template:  c.templateByName(rule.Template),
			Resilient: true,
			Source:    "rule",
		}
		if cl.Class == "" {
			cl.Class = ClientGeneric
		}
		if rule.Resilience != nil {
			cl.Resilient = *rule.Resilience
		}
		return cl
	}

	for _, rule := range builtinRules {
		for _, sub := range rule.substrings {
			if strings.Contains(ua, sub) {
				return Classification{
					Class:     rule.class,
					Template:  c.templates.MpegtsCopy,
					Resilient: true,
					Source:    "builtin",
				}
			}
		}
	}

	return Classification{
		Class:     ClientGeneric,
		Template:  c.templates.MpegtsCopy,
		Resilient: true,
		Source:    "default",
	}
}

// templateByName resolves a rule's template reference. Known names map to
// the configured templates; anything carrying a URL placeholder is taken
// as an inline template.
func (c *Classifier) templateByName(name string) string {
	switch name {
	case "", "mpegts_copy", "copy":
		return c.templates.MpegtsCopy
	case "mpegts_reencode", "reencode":
		return c.templates.MpegtsReencode
	case "preview_mp4", "preview":
		return c.templates.PreviewMP4
	default:
		if strings.Contains(name, "[URL]") {
			return name
		}
		return c.templates.MpegtsCopy
	}
}
