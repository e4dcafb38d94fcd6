package main

import (
	"bytes"
	"testing"

	"driveup/internal/config"
)

func TestResolveJob(t *testing.T) {
	cfg := &config.Config{Jobs: []config.JobConfig{
		{Name: "docs", Source: "/home/user/docs", Destination: "Backups"},
	}}

	tests := []struct {
		name      string
		job       string
		destID    string
		overwrite bool
		args      []string
		want      config.JobConfig
		wantErr   bool
	}{
		{
			name: "source and title",
			args: []string{"/src", "Backups"},
			want: config.JobConfig{Name: "adhoc", Source: "/src", Destination: "Backups"},
		},
		{
			name:      "source and folder id",
			destID:    "folder-1",
			overwrite: true,
			args:      []string{"/src"},
			want:      config.JobConfig{Name: "adhoc", Source: "/src", DestinationID: "folder-1", Overwrite: true},
		},
		{
			name:      "configured job",
			job:       "docs",
			overwrite: true,
			want:      config.JobConfig{Name: "docs", Source: "/home/user/docs", Destination: "Backups", Overwrite: true},
		},
		{name: "unknown job", job: "photos", wantErr: true},
		{name: "job with arguments", job: "docs", args: []string{"/src"}, wantErr: true},
		{name: "missing destination", args: []string{"/src"}, wantErr: true},
		{name: "id and title", destID: "folder-1", args: []string{"/src", "Backups"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveJob(cfg, tt.job, tt.destID, tt.overwrite, tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveJob() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("resolveJob() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestConsoleProgress(t *testing.T) {
	var buf bytes.Buffer
	p := newConsoleProgress(&buf, "docs")

	p.SetCurrentProgress(0.5)
	p.SetTotalProgress(0.25)
	p.SetStatus("Uploading a.txt")

	if got, want := buf.String(), "[docs] Uploading a.txt\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		fraction float64
		want     int
	}{
		{-1, 0},
		{0, 0},
		{0.333, 33},
		{1, 100},
		{2, 100},
	}
	for _, tt := range tests {
		if got := percent(tt.fraction); got != tt.want {
			t.Errorf("percent(%v) = %d, want %d", tt.fraction, got, tt.want)
		}
	}
}
