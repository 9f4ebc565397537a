package audio

// SamplesFromBytes converts little-endian 16-bit PCM bytes into samples.
// A trailing odd byte is ignored.
func SamplesFromBytes(data []byte) []int16 {
	numSamples := len(data) / 2
	samples := make([]int16, numSamples)
	for i := 0; i < numSamples; i++ {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// BytesFromSamples converts PCM samples into little-endian 16-bit bytes.
func BytesFromSamples(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(uint16(s) >> 8)
	}
	return data
}
