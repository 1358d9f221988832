package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultSampleRate is used when a caller passes a non-positive rate.
const DefaultSampleRate = 44100

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(numChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// Clip is decoded mono PCM16 audio.
type Clip struct {
	PCM        []byte
	SampleRate int
}

// DurationMS reports the clip length in milliseconds.
func (c Clip) DurationMS() int64 {
	if c.SampleRate <= 0 {
		return 0
	}
	samples := int64(len(c.PCM) / 2)
	return samples * 1000 / int64(c.SampleRate)
}

// Samples converts the clip's PCM bytes to int16 values.
func (c Clip) Samples() []int16 {
	out := make([]int16, len(c.PCM)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(c.PCM[2*i:]))
	}
	return out
}

// DecodeWAVPCM16LE parses a mono PCM16LE WAV container and returns the raw
// samples. It walks the chunk list, so extra chunks (LIST, fact) are tolerated.
func DecodeWAVPCM16LE(data []byte) (Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, ErrNotWAV
	}

	var (
		sampleRate    int
		numChannels   int
		bitsPerSample int
		pcm           []byte
		haveFmt       bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			return Clip{}, fmt.Errorf("audio: truncated %q chunk", id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Clip{}, fmt.Errorf("audio: fmt chunk too short (%d bytes)", size)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			numChannels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if format != 1 {
				return Clip{}, fmt.Errorf("audio: unsupported WAV format %d (want PCM)", format)
			}
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}
		// Chunks are word aligned.
		off = body + size + size%2
	}
	if !haveFmt || pcm == nil {
		return Clip{}, fmt.Errorf("audio: missing fmt or data chunk")
	}
	if bitsPerSample != 16 {
		return Clip{}, fmt.Errorf("audio: unsupported bit depth %d (want 16)", bitsPerSample)
	}
	if numChannels != 1 {
		return Clip{}, fmt.Errorf("audio: unsupported channel count %d (want mono)", numChannels)
	}
	return Clip{PCM: pcm, SampleRate: sampleRate}, nil
}
