// Package audio moves PCM between the microphone, the realtime session and
// the speaker.
//
// Capture reads a [Source], normalises it to mono at [InputSampleRate] and
// emits fixed-size blocks encoded as [Blob]s. The [Scheduler] decodes the
// model's [Blob]s and queues them on an [Output] back to back, so chunks that
// arrive in bursts still play without gaps or overlap. Interrupt stops every
// queued voice at once when the user barges in.
//
// Device adapters implement [Source] and [Output]; see the device and mock
// subpackages.
package audio
