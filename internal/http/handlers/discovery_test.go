package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane33/plexbridge/internal/config"
)

func TestDiscoverDescriptor(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/discover.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var desc deviceDescriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&desc))
	assert.Equal(t, "plexbridge test", desc.FriendlyName)
	assert.Equal(t, "PLEXBRIDGE01", desc.DeviceID)
	assert.Equal(t, 2, desc.TunerCount, "tuner count falls back to max_concurrent_streams")
	assert.Equal(t, env.server.URL, desc.BaseURL)
	assert.Equal(t, env.server.URL+"/lineup.json", desc.LineupURL)
}

func TestDiscoverTunerCountOverride(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Device.TunerCount = 6
	})

	resp, err := http.Get(env.server.URL + "/discover.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	var desc deviceDescriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&desc))
	assert.Equal(t, 6, desc.TunerCount)
}

func TestDiscoverBaseURLFromConfig(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.BaseURL = "https://tv.example.com/"
	})

	resp, err := http.Get(env.server.URL + "/discover.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	var desc deviceDescriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&desc))
	assert.Equal(t, "https://tv.example.com", desc.BaseURL)
}

func TestLineup(t *testing.T) {
	env := newTestEnv(t, nil)
	ch1, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/a.ts")
	env.seedChannel(t, "102", "News Two", "http://127.0.0.1:9/b.ts")

	resp, err := http.Get(env.server.URL + "/lineup.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lineup []lineupEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lineup))
	require.Len(t, lineup, 2)
	assert.Equal(t, "101", lineup[0].GuideNumber)
	assert.Equal(t, "News One", lineup[0].GuideName)
	assert.Equal(t, env.server.URL+"/stream/"+ch1.ID.String(), lineup[0].URL)
}

func TestLineupStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/lineup_status.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status lineupStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 0, status.ScanInProgress)
	assert.Equal(t, 1, status.ScanPossible)
	assert.Equal(t, []string{"Cable"}, status.SourceList)
}

func TestPlaylistExport(t *testing.T) {
	env := newTestEnv(t, nil)
	ch, _ := env.seedChannel(t, "101", "News One", "http://127.0.0.1:9/a.ts")

	resp, err := http.Get(env.server.URL + "/playlist.m3u")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/x-mpegurl", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "#EXTM3U")
	assert.Contains(t, text, `tvg-chno="101"`)
	assert.Contains(t, text, ",News One")
	assert.Contains(t, text, env.server.URL+"/stream/"+ch.ID.String())
}
