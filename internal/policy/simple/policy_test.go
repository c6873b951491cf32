package simple

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolicyAllowFetch(t *testing.T) {
	t.Parallel()

	p := New(Config{DenyPaths: []string{"login", "/account/"}})
	tests := []struct {
		url  string
		want bool
	}{
		{"https://docs.example.com/tutorial/functions", true},
		{"https://docs.example.com/guide.html", true},
		{"https://docs.example.com/", true},
		{"https://docs.example.com/static/app.JS", false},
		{"https://docs.example.com/manual.pdf", false},
		{"https://docs.example.com/img/logo.png?v=2", false},
		{"https://docs.example.com/login", false},
		{"https://docs.example.com/login/reset", false},
		{"https://docs.example.com/loginhelp", true},
		{"https://docs.example.com/Account/settings", false},
		{"mailto:team@example.com", false},
		{"ftp://docs.example.com/file", false},
		{"://bad", false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, p.AllowFetch(tc.url), tc.url)
	}
}

func TestPolicyCustomExtensions(t *testing.T) {
	t.Parallel()

	p := New(Config{SkipExtensions: []string{"md", " .TXT ", ""}})
	require.False(t, p.AllowFetch("https://example.com/readme.md"))
	require.False(t, p.AllowFetch("https://example.com/notes.txt"))
	require.True(t, p.AllowFetch("https://example.com/manual.pdf"))

	none := New(Config{SkipExtensions: []string{}})
	require.True(t, none.AllowFetch("https://example.com/logo.png"))
}
