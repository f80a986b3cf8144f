package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/jaga/internal/config"
)

func TestListingText(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "listing.txt")
	if err := os.WriteFile(file, []byte("2009 hatchback, new clutch"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		file    string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "args", args: []string{"2015", "estate"}, want: "2015 estate"},
		{name: "file", file: file, want: "2009 hatchback, new clutch"},
		{name: "stdin", stdin: "diesel van", want: "diesel van"},
		{name: "empty", stdin: "  \n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := listingText(tt.args, tt.file, strings.NewReader(tt.stdin))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("listingText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMimeOf(t *testing.T) {
	t.Parallel()

	if got := mimeOf("quote.png", "image/jpeg"); got != "image/png" {
		t.Errorf("mimeOf(png) = %q", got)
	}
	if got := mimeOf("engine.unknownext", "audio/webm"); got != "audio/webm" {
		t.Errorf("mimeOf(unknown) = %q, want default", got)
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	p, err := reg.CreateLive(config.Default())
	if err != nil {
		t.Fatalf("CreateLive() error: %v", err)
	}
	if p == nil {
		t.Fatal("CreateLive() returned nil provider")
	}
}

func TestPrintJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := printJSON(&buf, map[string]int{"lemon_score": 40}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"lemon_score": 40`) {
		t.Errorf("output = %s", buf.String())
	}
}
