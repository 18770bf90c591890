package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane33/plexbridge/internal/config"
)

// openStream issues a GET and reads n bytes from the body, leaving the
// connection open. The returned cancel ends the request.
func openStream(t *testing.T, url string, n int) (*http.Response, []byte, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "VLC/3.0.20")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})

	buf := make([]byte, n)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	return resp, buf, cancel
}

func TestTunerStreamsChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	channel, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")

	resp, body, _ := openStream(t, env.server.URL+"/stream/"+channel.ID.String(), len("streaming"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.Equal(t, "streaming", string(body))
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"), "tuner paths carry no CORS")
}

func TestTunerByChannelNumber(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")

	resp, body, _ := openStream(t, env.server.URL+"/stream/101", len("streaming"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "streaming", string(body))
}

func TestTunerSharesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	channel, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")

	openStream(t, env.server.URL+"/stream/"+channel.ID.String(), len("streaming"))
	openStream(t, env.server.URL+"/stream/101", len("streaming"))

	snap := env.registry.Snapshot()
	require.Len(t, snap.Sessions, 1, "both readers share one session")
	assert.Len(t, snap.Sessions[0].Buffer.Subscribers, 2)
}

func TestTunerConsumerAlias(t *testing.T) {
	env := newTestEnv(t, nil)
	channel, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")

	openStream(t, env.server.URL+"/stream/"+channel.ID.String(), len("streaming"))

	// The media server's keep-alive probe carries its own session token.
	_, _, cancelProbe := openStream(t, env.server.URL+"/stream/"+channel.ID.String()+"?session=XYZ", len("streaming"))

	snap := env.registry.Snapshot()
	require.Len(t, snap.Sessions, 1, "the probe joins the existing session")
	assert.Equal(t, []string{"XYZ"}, snap.Sessions[0].ConsumerIDs)

	// The token is now a route to the session.
	resp, body, _ := openStream(t, env.server.URL+"/stream/XYZ", len("streaming"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "streaming", string(body))

	// Dropping one subscription leaves the session running.
	cancelProbe()
	_, ok := env.registry.Resolve("XYZ")
	assert.True(t, ok, "closing one subscription must not end the session")
}

func TestTunerHeadBindsConsumerID(t *testing.T) {
	env := newTestEnv(t, nil)
	channel, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")

	openStream(t, env.server.URL+"/stream/"+channel.ID.String(), len("streaming"))

	resp, err := http.Head(env.server.URL + "/stream/" + channel.ID.String() + "?session=XYZ")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := env.registry.Snapshot()
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, []string{"XYZ"}, snap.Sessions[0].ConsumerIDs)
}

func TestTunerSlowReaderClosedCleanly(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Streaming.RingBufferBytes = 64 * 1024
		cfg.Streaming.ChunkSizeBytes = 4 * 1024
		// The producer floods far past the ring so a stalled reader falls
		// off the back and is detached.
		cfg.Templates.MpegtsCopy = "-c 'head -c 64000000 /dev/zero; sleep 30' [URL]"
	})
	channel, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/stream/"+channel.ID.String(), nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "VLC/3.0.20")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Read a little, then stall while the producer overruns the ring.
	buf := make([]byte, 4096)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	time.Sleep(500 * time.Millisecond)

	// After the hub detaches this subscriber the handler must finish the
	// response cleanly; an aborted connection would surface as an error.
	_, err = io.ReadAll(resp.Body)
	assert.NoError(t, err)
}

func TestTunerUnknownID(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/stream/no-such-channel")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body, "tuner errors carry no body")
}

func TestTunerHeadDoesNotOpenSession(t *testing.T) {
	env := newTestEnv(t, nil)
	channel, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")

	resp, err := http.Head(env.server.URL + "/stream/" + channel.ID.String())
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.Empty(t, env.registry.Snapshot().Sessions, "HEAD must not create a session")
}

func TestTunerHeadUnknownChannel(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Head(env.server.URL + "/stream/999")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTunerCapacityExhausted(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Streaming.MaxConcurrentStreams = 1
	})
	ch1, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")
	ch2, _ := env.seedChannel(t, "102", "News Two", "http://127.0.0.1:9/live2.ts")

	openStream(t, env.server.URL+"/stream/"+ch1.ID.String(), 1)

	resp, err := http.Get(env.server.URL + "/stream/" + ch2.ID.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSegmentProxy(t *testing.T) {
	const playlist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:6.0,
seg/chunk-0.ts?tok=abc
#EXTINF:6.0,
seg/chunk-1.ts?tok=abc
`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/playlist.m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, playlist)
		case "/seg/chunk-0.ts":
			if r.URL.Query().Get("tok") != "abc" {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "video/mp2t")
			fmt.Fprint(w, "SEGDATA")
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	env := newTestEnv(t, nil)
	channel, _ := env.seedChannel(t, "101", "News One", upstream.URL+"/playlist.m3u8")

	// Opening the tuner stream resolves the playlist and starts a session.
	openStream(t, env.server.URL+"/stream/"+channel.ID.String(), len("streaming"))

	base := env.server.URL + "/stream/" + channel.ID.String()

	resp, err := http.Get(base + "/index.m3u8")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/stream/"+channel.ID.String()+"/chunk-0.ts")
	assert.NotContains(t, string(body), "tok=abc", "rewritten URIs drop upstream tokens")

	// The segment route recovers the tokenised upstream URL by basename.
	resp, err = http.Get(base + "/chunk-0.ts")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	seg, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "SEGDATA", string(seg))
}

func TestSegmentProxyWithoutSession(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/stream/nope/chunk-0.ts")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPreviewStream(t *testing.T) {
	env := newTestEnv(t, nil)
	channel, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")

	resp, body, _ := openStream(t, env.server.URL+"/streams/preview/"+channel.ID.String(), len("preview"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "preview", string(body))
}

func TestPreviewWithoutTranscode(t *testing.T) {
	env := newTestEnv(t, nil)
	channel, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")

	url := env.server.URL + "/streams/preview/" + channel.ID.String() + "?transcode=false"
	resp, body, _ := openStream(t, url, len("streaming"))
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.Equal(t, "streaming", string(body), "transcode=false uses the copy template")
}

func TestPreviewUnknownIDReturnsJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/streams/preview/no-such-channel")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not_found", body.Kind)
	assert.NotEmpty(t, body.Detail)
}

func TestPreviewRunsAlongsideTuner(t *testing.T) {
	env := newTestEnv(t, nil)
	channel, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")

	openStream(t, env.server.URL+"/stream/"+channel.ID.String(), len("streaming"))
	openStream(t, env.server.URL+"/streams/preview/"+channel.ID.String(), len("preview"))

	snap := env.registry.Snapshot()
	assert.Len(t, snap.Sessions, 2)
	assert.Equal(t, 1, snap.Tuners.Current)
	assert.Equal(t, 1, snap.Previews.Current)
}

func TestActiveSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	channel, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")

	openStream(t, env.server.URL+"/stream/"+channel.ID.String(), len("streaming"))

	resp, err := http.Get(env.server.URL + "/streams/active")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var active activeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&active))
	require.Len(t, active.Sessions, 1)
	assert.Equal(t, "News One", active.Sessions[0].ChannelName)
	assert.Equal(t, 1, active.Capacity.Current)
	assert.Equal(t, 2, active.Capacity.Max)

	// Snapshots never leak upstream credentials; the URL is redacted
	// before it reaches the wire.
	assert.NotContains(t, active.Sessions[0].Upstream, "password")
}

func TestPreviewTimeoutEndsResponse(t *testing.T) {
	env := newTestEnv(t, nil)
	channel, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/live.ts")

	url := env.server.URL + "/streams/preview/" + channel.ID.String() + "?timeout=300"
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	start := time.Now()
	_, _ = io.ReadAll(resp.Body)
	assert.Less(t, time.Since(start), 10*time.Second, "timeout must cut the preview body")
}
