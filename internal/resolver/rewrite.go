package resolver

import (
	"fmt"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// RewriteFunc maps an upstream URI to the URI a client should request.
type RewriteFunc func(uri string) string

// RewritePlaylist rewrites every segment or variant URI in an HLS playlist
// so clients come back through the gateway instead of hitting the upstream
// directly. The playlist is re-marshalled, which also normalises it.
func RewritePlaylist(data []byte, rewrite RewriteFunc) ([]byte, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist for rewrite: %w", err)
	}

	switch p := pl.(type) {
	case *playlist.Media:
		for _, seg := range p.Segments {
			if seg != nil {
				seg.URI = rewrite(seg.URI)
			}
		}
		if p.Map != nil {
			p.Map.URI = rewrite(p.Map.URI)
		}
		return p.Marshal()
	case *playlist.Multivariant:
		for _, v := range p.Variants {
			if v != nil {
				v.URI = rewrite(v.URI)
			}
		}
		return p.Marshal()
	default:
		return nil, fmt.Errorf("unknown playlist type")
	}
}
