// Package audio holds the PCM helpers shared by speech backends. All audio
// is 16-bit little-endian mono PCM.
package audio

import (
	"encoding/binary"
	"io"
)

// SampleRate is the rate every synthesizer normalizes to.
const SampleRate = 16000

// WriteWAVHeader writes a minimal 44-byte WAV header for SampleRate 16-bit
// mono PCM of dataSize bytes.
func WriteWAVHeader(w io.Writer, dataSize int) error {
	hdr := make([]byte, 44)
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(36+dataSize))
	copy(hdr[8:], "WAVE")

	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16)           // sub-chunk size
	binary.LittleEndian.PutUint16(hdr[20:], 1)            // PCM format
	binary.LittleEndian.PutUint16(hdr[22:], 1)            // mono
	binary.LittleEndian.PutUint32(hdr[24:], SampleRate)   // sample rate
	binary.LittleEndian.PutUint32(hdr[28:], SampleRate*2) // byte rate
	binary.LittleEndian.PutUint16(hdr[32:], 2)            // block align
	binary.LittleEndian.PutUint16(hdr[34:], 16)           // bits per sample

	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], uint32(dataSize))

	_, err := w.Write(hdr)
	return err
}

// Duration returns the playing time of n bytes of PCM in milliseconds.
func Duration(n int) int {
	return n * 1000 / (SampleRate * 2)
}
