package remote

import (
	"testing"

	"driveup/internal/mirror"
)

func TestParseRangeOffset(t *testing.T) {
	tests := []struct {
		header string
		want   int64
	}{
		{"", 0},
		{"bytes=0-0", 1},
		{"bytes=0-524287", 524288},
		{"bytes=10-20", -1},
		{"bytes=0-x", -1},
		{"garbage", -1},
	}
	for _, tt := range tests {
		if got := parseRangeOffset(tt.header); got != tt.want {
			t.Errorf("parseRangeOffset(%q) = %d, want %d", tt.header, got, tt.want)
		}
	}
}

func TestListQuery(t *testing.T) {
	tests := []struct {
		name   string
		parent string
		title  string
		kind   mirror.NodeKind
		want   string
	}{
		{
			name:   "folder",
			parent: "p1",
			title:  "docs",
			kind:   mirror.KindFolder,
			want:   "title = 'docs' and 'p1' in parents and mimeType = 'application/vnd.google-apps.folder' and trashed = false",
		},
		{
			name:   "file with quote",
			parent: "p1",
			title:  "bob's.txt",
			kind:   mirror.KindFile,
			want:   `title = 'bob\'s.txt' and 'p1' in parents and mimeType != 'application/vnd.google-apps.folder' and trashed = false`,
		},
		{
			name:   "backslash",
			parent: "p1",
			title:  `a\b`,
			kind:   mirror.KindFile,
			want:   `title = 'a\\b' and 'p1' in parents and mimeType != 'application/vnd.google-apps.folder' and trashed = false`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := listQuery(tt.parent, tt.title, tt.kind); got != tt.want {
				t.Errorf("listQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}
