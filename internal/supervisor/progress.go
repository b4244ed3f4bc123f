package supervisor

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ent0n29/jobcore/internal/protocol"
)

const number = `([-+]?\d*\.?\d+(?:[eE][-+]?\d+)?)`

var (
	stepPattern  = regexp.MustCompile(`(?i)\b(?:global[_ ])?steps?\s*[:=]?\s*(\d+)\s*/\s*(\d+)`)
	tqdmPattern  = regexp.MustCompile(`\|\s*(\d+)/(\d+)\s*\[`)
	epochPattern = regexp.MustCompile(`(?i)\bepoch\s*[:=]?\s*(\d+(?:\.\d+)?)(?:\s*/\s*(\d+))?`)
	lossPattern  = regexp.MustCompile(`(?i)\b(?:avr_|avg_|train_)?loss\s*[:=]\s*` + number)
	lrPattern    = regexp.MustCompile(`(?i)\b(?:lr|learning[_ ]rate)\s*[:=]\s*` + number)
	speedPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(it/s|s/it)`)
	tqdmETA      = regexp.MustCompile(`\[(?:\d+:)?\d+:\d+<((?:\d+:)?\d+:\d+)`)
	etaPattern   = regexp.MustCompile(`(?i)\beta\s*[:=]?\s*((?:\d+:)?\d{1,2}:\d{2})`)
)

// ParseProgress extracts whatever training telemetry a line carries. Missing
// fields stay zero or nil; ok is false when nothing matched.
func ParseProgress(line string) (protocol.Progress, bool) {
	var p protocol.Progress
	if m := stepPattern.FindStringSubmatch(line); m != nil {
		p.Step, _ = strconv.Atoi(m[1])
		p.TotalSteps, _ = strconv.Atoi(m[2])
	} else if m := tqdmPattern.FindStringSubmatch(line); m != nil {
		p.Step, _ = strconv.Atoi(m[1])
		p.TotalSteps, _ = strconv.Atoi(m[2])
	}
	if m := epochPattern.FindStringSubmatch(line); m != nil {
		p.Epoch, _ = strconv.ParseFloat(m[1], 64)
		if m[2] != "" {
			p.TotalEpochs, _ = strconv.Atoi(m[2])
		}
	}
	if m := lossPattern.FindStringSubmatch(line); m != nil {
		p.Loss = parseFloatPtr(m[1])
	}
	if m := lrPattern.FindStringSubmatch(line); m != nil {
		p.LearningRate = parseFloatPtr(m[1])
	}
	if m := speedPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			if m[2] == "s/it" {
				v = 1 / v
			}
			p.ItPerSec = &v
		}
	}
	eta := ""
	if m := tqdmETA.FindStringSubmatch(line); m != nil {
		eta = m[1]
	} else if m := etaPattern.FindStringSubmatch(line); m != nil {
		eta = m[1]
	}
	if eta != "" {
		if secs, ok := parseClock(eta); ok {
			p.ETASeconds = &secs
		}
	}
	return p, !p.Empty()
}

// mergeProgress overlays the fields present in next onto prev.
func mergeProgress(prev, next protocol.Progress) protocol.Progress {
	out := prev
	if next.Step != 0 || next.TotalSteps != 0 {
		out.Step, out.TotalSteps = next.Step, next.TotalSteps
	}
	if next.Epoch != 0 {
		out.Epoch = next.Epoch
	}
	if next.TotalEpochs != 0 {
		out.TotalEpochs = next.TotalEpochs
	}
	if next.Loss != nil {
		out.Loss = next.Loss
	}
	if next.LearningRate != nil {
		out.LearningRate = next.LearningRate
	}
	if next.ItPerSec != nil {
		out.ItPerSec = next.ItPerSec
	}
	if next.ETASeconds != nil {
		out.ETASeconds = next.ETASeconds
	}
	return out
}

func parseFloatPtr(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// parseClock reads [hh:]mm:ss.
func parseClock(s string) (float64, bool) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}
	return float64(total), true
}
