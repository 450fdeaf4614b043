package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNames(t *testing.T) {
	key := Key{UserID: 12, ProjectID: 3, Platform: "36kr"}
	assert.Equal(t, "session_00000012_00000003_36kr", key.String())
	assert.Equal(t, "session_00000012_00000003_36kr.enc", key.FileName())

	parsed, err := ParseKey(key.FileName())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	parsed, err = ParseKey("session_00000001_00000002_some_platform")
	require.NoError(t, err)
	assert.Equal(t, "some_platform", parsed.Platform)
}

func TestParseKeyErrors(t *testing.T) {
	for _, name := range []string{
		"other_00000001_00000002_zhihu.enc",
		"session_00000001_zhihu.enc",
		"session_x_00000002_zhihu.enc",
		"session_00000001_y_zhihu.enc",
		"session_00000001_00000002_.enc",
	} {
		_, err := ParseKey(name)
		assert.Error(t, err, name)
	}
}
