package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrDecode is returned when a base64 payload or PCM buffer is malformed.
// Callers on the playback path drop the offending chunk and carry on.
var ErrDecode = errors.New("audio: decode error")

const pcmMIMEPrefix = "audio/pcm;rate="

// Encode returns the standard base64 encoding of b.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode decodes a standard base64 string. Malformed input yields an error
// wrapping [ErrDecode].
func Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return b, nil
}

// FloatToPCM16 converts float samples in [-1, 1] to little-endian int16 PCM.
// Each sample maps to round(s*32768), clamped to the int16 range so that 1.0
// becomes 32767 instead of wrapping around to -32768.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		n := int16(v)
		out[i*2] = byte(n)
		out[i*2+1] = byte(n >> 8)
	}
	return out
}

// PCM16ToFloat decodes little-endian int16 mono PCM into a playable [Buffer]
// at sampleRate. Each sample is divided by 32768. An odd byte count is
// rejected with [ErrDecode].
func PCM16ToFloat(pcm []byte, sampleRate int) (Buffer, error) {
	if len(pcm)%2 != 0 {
		return Buffer{}, fmt.Errorf("%w: odd PCM byte count %d", ErrDecode, len(pcm))
	}
	if sampleRate <= 0 {
		return Buffer{}, fmt.Errorf("%w: invalid sample rate %d", ErrDecode, sampleRate)
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		n := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float32(n) / 32768
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

// PCMMIMEType returns the MIME type for raw 16-bit PCM at rate Hz.
func PCMMIMEType(rate int) string {
	return pcmMIMEPrefix + strconv.Itoa(rate)
}

// ParsePCMRate extracts the sample rate from an "audio/pcm;rate=N" MIME type.
func ParsePCMRate(mime string) (int, error) {
	rest, ok := strings.CutPrefix(strings.ReplaceAll(strings.ToLower(mime), " ", ""), pcmMIMEPrefix)
	if !ok {
		return 0, fmt.Errorf("audio: not a PCM mime type: %q", mime)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("audio: invalid PCM rate in %q", mime)
	}
	return rate, nil
}

// EncodeBlock converts float samples to PCM16 and wraps them in a [Blob]
// tagged with rate.
func EncodeBlock(samples []float32, rate int) Blob {
	return Blob{Data: Encode(FloatToPCM16(samples)), MIMEType: PCMMIMEType(rate)}
}

// DecodeBlob decodes a PCM blob into a playable [Buffer]. When the MIME type
// carries no rate, fallbackRate is used.
func DecodeBlob(b Blob, fallbackRate int) (Buffer, error) {
	rate := fallbackRate
	if b.MIMEType != "" {
		if r, err := ParsePCMRate(b.MIMEType); err == nil {
			rate = r
		}
	}
	pcm, err := Decode(b.Data)
	if err != nil {
		return Buffer{}, err
	}
	return PCM16ToFloat(pcm, rate)
}

// Validate reports whether b holds well-formed base64 decoding to a whole
// number of 16-bit samples.
func (b Blob) Validate() error {
	pcm, err := Decode(b.Data)
	if err != nil {
		return err
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("%w: odd PCM byte count %d", ErrDecode, len(pcm))
	}
	return nil
}

// RMS returns the root-mean-square amplitude of samples, in [0, 1] for
// in-range input. It drives the microphone level meter.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
