// Package costs estimates what the recognition backend bills for a session.
package costs

import (
	"os"
	"strconv"
)

// DeepgramCentsPerMinute is the streaming STT price per audio minute.
// Default: $0.0077/min = 0.77 cents/min
var DeepgramCentsPerMinute = getEnvFloat("COST_DEEPGRAM_CENTS_PER_MIN", 0.77)

// bytesPerSample is fixed by the linear16 mono encoding.
const bytesPerSample = 2

// AudioSeconds converts a PCM-16 mono byte count to its playback duration.
func AudioSeconds(audioBytes int64, sampleRate int) float64 {
	if sampleRate <= 0 || audioBytes <= 0 {
		return 0
	}
	return float64(audioBytes/bytesPerSample) / float64(sampleRate)
}

// RecognitionCents returns the estimated recognition cost in cents for
// audioBytes of PCM-16 mono audio at sampleRate. The backend bills by the
// second, rounded up.
func RecognitionCents(audioBytes int64, sampleRate int) float64 {
	secs := AudioSeconds(audioBytes, sampleRate)
	if secs == 0 {
		return 0
	}
	billed := float64(int64(secs))
	if billed < secs {
		billed++
	}
	return billed / 60.0 * DeepgramCentsPerMinute
}

// RoundCents rounds a fractional cent amount to the nearest cent.
func RoundCents(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
