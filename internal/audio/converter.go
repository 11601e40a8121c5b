package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// DecodePCM16LE converts little-endian 16-bit PCM bytes to samples
func DecodePCM16LE(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// EncodePCM16LE converts samples to little-endian 16-bit PCM bytes
func EncodePCM16LE(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// DecodeMulaw converts G.711 PCMU (μ-law) bytes to 16-bit linear samples
func DecodeMulaw(data []byte) []int16 {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = mulawToLinear(b)
	}
	return samples
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM (ITU-T G.711)
func mulawToLinear(mulawByte byte) int16 {
	// μ-law uses inverted representation
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	const bias = 0x84
	magnitude := ((mantissa << 3) + bias) << segment
	magnitude -= bias

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// Resample performs simple linear interpolation resampling
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// EncodeWAV wraps mono 16-bit samples in a RIFF/WAVE container
func EncodeWAV(samples []int16, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataSize := uint32(len(samples) * 2)
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)

	buf := bytes.NewBuffer(make([]byte, 0, 44+int(dataSize)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16)) // PCM fmt chunk size
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))  // PCM format
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, byteRate)
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataSize)
	buf.Write(EncodePCM16LE(samples))

	return buf.Bytes()
}

// WAVDuration reads the playback length from a RIFF/WAVE header. It reports
// false for anything that is not a well-formed WAV.
func WAVDuration(wav []byte) (time.Duration, bool) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return 0, false
	}
	var byteRate uint32
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return 0, false
			}
			byteRate = binary.LittleEndian.Uint32(wav[body+8 : body+12])
		case "data":
			if byteRate == 0 {
				return 0, false
			}
			if body+size > len(wav) {
				size = len(wav) - body
			}
			return time.Duration(int64(size) * int64(time.Second) / int64(byteRate)), true
		}
		// Chunks are padded to an even size
		off = body + size + size%2
	}
	return 0, false
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
