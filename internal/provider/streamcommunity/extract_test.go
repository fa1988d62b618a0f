package streamcommunity

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour/downpour/internal/provider"
)

const masterPlaylistScript = `
window.video = {"id": 1};
window.streams = [];
window.masterPlaylist = {
    params: {
        'token': 'abc-123',
        'expires': '1756000000',
    },
    url: 'https://vault.example/playlist/271977'
}
window.canPlayFHD = true
`

const streamsScript = `
window.streams = [{"name":"720p","url":"https://vault.example/playlist/1?type=b","active":false},{"name":"1080p","url":"https://vault.example/playlist/2?type=b","active":true}]
window.masterPlaylist = { params: { 'token': 'tok', 'expires': '42' } }
window.canPlayFHD = false
`

func TestExtractMasterPlaylistLiteral(t *testing.T) {
	ex, err := extractFromScripts(masterPlaylistScript)
	require.NoError(t, err)

	assert.Equal(t, "https://vault.example/playlist/271977", ex.PlaylistURL)
	assert.Equal(t, "abc-123", ex.Token)
	assert.Equal(t, "1756000000", ex.Expires)
	assert.True(t, ex.FHD)
}

func TestExtractStreamsPicksActiveEntry(t *testing.T) {
	ex, err := extractFromScripts(streamsScript)
	require.NoError(t, err)

	assert.Equal(t, "https://vault.example/playlist/2?type=b", ex.PlaylistURL)
	assert.Equal(t, "tok", ex.Token)
	assert.False(t, ex.FHD)
}

func TestExtractStreamsFallsBackToFirstEntry(t *testing.T) {
	script := `window.streams = [{"name":"720p","url":"https://vault.example/playlist/1","active":false},{"name":"480p","url":"https://vault.example/playlist/3","active":false}]`
	ex, err := extractFromScripts(script)
	require.NoError(t, err)
	assert.Equal(t, "https://vault.example/playlist/1", ex.PlaylistURL)
}

func TestExtractNoPlaylist(t *testing.T) {
	_, err := extractFromScripts(`window.video = {};`)
	assert.ErrorIs(t, err, provider.ErrPlaylistUnavailable)
}

func TestBuildPlaylistURL(t *testing.T) {
	got, err := buildPlaylistURL(extraction{
		PlaylistURL: "https://vault.example/playlist/1?type=b",
		Token:       "tok",
		Expires:     "42",
		FHD:         true,
	})
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "b", q.Get("type"))
	assert.Equal(t, "tok", q.Get("token"))
	assert.Equal(t, "42", q.Get("expires"))
	assert.Equal(t, "1", q.Get("h"))
}

func TestBuildPlaylistURLIsIdempotent(t *testing.T) {
	ex := extraction{
		PlaylistURL: "https://vault.example/playlist/1?token=original&expires=7",
		Token:       "other",
		Expires:     "99",
		FHD:         true,
	}

	once, err := buildPlaylistURL(ex)
	require.NoError(t, err)

	// Parameters already present are preserved; only missing ones added.
	u, _ := url.Parse(once)
	assert.Equal(t, "original", u.Query().Get("token"))
	assert.Equal(t, "7", u.Query().Get("expires"))
	assert.Equal(t, "1", u.Query().Get("h"))

	ex.PlaylistURL = once
	twice, err := buildPlaylistURL(ex)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestBuildPlaylistURLNoFHD(t *testing.T) {
	got, err := buildPlaylistURL(extraction{PlaylistURL: "https://vault.example/p", Token: "t"})
	require.NoError(t, err)
	u, _ := url.Parse(got)
	assert.False(t, u.Query().Has("h"))
}
