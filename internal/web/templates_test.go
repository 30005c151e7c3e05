package web

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/fmbview/internal/view"
)

func TestRenderer_BlockEscapesIdentifier(t *testing.T) {
	r, err := NewRenderer("")
	require.NoError(t, err)

	html, err := r.Block(testBlock(`<script>x</script>`))
	require.NoError(t, err)
	require.NotContains(t, html, "<script>")
	require.Contains(t, html, "&lt;script&gt;")
}

func TestRenderer_BlockRowsInOrder(t *testing.T) {
	r, err := NewRenderer("")
	require.NoError(t, err)

	html, err := r.Block(testBlock("dev-1"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(html, `<div class="device" data-block="dev-1">`))
	require.Less(t, strings.Index(html, "IED MRID"), strings.Index(html, "W phsA"))
	require.Contains(t, html, `action="/devices/dev-1/delete"`)
}

func TestRenderer_PageTitle(t *testing.T) {
	r, err := NewRenderer("Lab feeders")
	require.NoError(t, err)

	var b strings.Builder
	require.NoError(t, r.Page(&b, view.State{}))
	require.Contains(t, b.String(), "<title>Lab feeders</title>")
}

func TestDeletePath(t *testing.T) {
	require.Equal(t, "/devices/dev-1/delete", deletePath("dev-1"))
	require.Equal(t, "/devices/a%2Fb/delete", deletePath("a/b"))
}
