package audio

import "time"

// Default sample rates of the realtime session. Microphone audio is sent to the
// model at InputSampleRate; the model answers at OutputSampleRate.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000

	// DefaultBlockSize is the number of mono samples per captured block
	// (~256 ms at 16 kHz).
	DefaultBlockSize = 4096
)

// Blob is the encoded form of a media payload as it travels on the session
// channel: base64 data plus a MIME type such as "audio/pcm;rate=16000".
//
// For PCM blobs, Data always decodes to an even number of bytes.
type Blob struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// Buffer is a decoded, playable block of mono float samples in [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}
