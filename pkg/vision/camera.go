package vision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Compile-time interface assertions.
var (
	_ Camera = (*DirCamera)(nil)
	_ Camera = (*PushCamera)(nil)
)

// DirCamera replays the JPEG files of a directory in lexical order, looping
// at the end. It stands in for a live camera on the command line.
type DirCamera struct {
	mu    sync.Mutex
	files []string
	next  int
}

// NewDirCamera lists the *.jpg and *.jpeg files in dir.
func NewDirCamera(dir string) (*DirCamera, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("vision: read camera dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)
	return &DirCamera{files: files}, nil
}

// Ready reports whether the directory holds at least one frame.
func (c *DirCamera) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files) > 0
}

// Snapshot returns the next file's contents.
func (c *DirCamera) Snapshot(_ context.Context) (Frame, error) {
	c.mu.Lock()
	if len(c.files) == 0 {
		c.mu.Unlock()
		return Frame{}, ErrNotReady
	}
	path := c.files[c.next]
	c.next = (c.next + 1) % len(c.files)
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("vision: read frame: %w", err)
	}
	return Frame{Data: data, MIMEType: JPEGMIMEType}, nil
}

// PushCamera holds the most recent frame pushed to it, typically by a browser
// forwarding its camera over a websocket. It becomes ready with the first
// non-empty frame.
type PushCamera struct {
	mu     sync.Mutex
	latest []byte
}

// NewPushCamera returns an empty PushCamera.
func NewPushCamera() *PushCamera { return &PushCamera{} }

// Push replaces the current frame. Empty frames are ignored.
func (c *PushCamera) Push(jpeg []byte) {
	if len(jpeg) == 0 {
		return
	}
	c.mu.Lock()
	c.latest = jpeg
	c.mu.Unlock()
}

// Reset forgets the current frame, e.g. after the remote camera was turned
// off.
func (c *PushCamera) Reset() {
	c.mu.Lock()
	c.latest = nil
	c.mu.Unlock()
}

// Ready implements [Camera].
func (c *PushCamera) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest != nil
}

// Snapshot implements [Camera].
func (c *PushCamera) Snapshot(_ context.Context) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return Frame{}, ErrNotReady
	}
	return Frame{Data: slices.Clone(c.latest), MIMEType: JPEGMIMEType}, nil
}
