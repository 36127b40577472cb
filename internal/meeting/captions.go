package meeting

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// cueTimingRe matches "00:00:01.234 --> 00:00:03.456" and the
	// "00:01.234" short form that Teams exports, with optional settings.
	cueTimingRe = regexp.MustCompile(`^((?:\d{2,}:)?\d{2}:\d{2}[.,]\d{3})\s*-->\s*((?:\d{2,}:)?\d{2}:\d{2}[.,]\d{3})`)
	cueTagRe    = regexp.MustCompile(`<[^>]+>`)
	cueIDRe     = regexp.MustCompile(`^\d+$`)
	cueMetaRe   = regexp.MustCompile(`^(WEBVTT|Kind:|Language:|NOTE\b|STYLE\b|REGION\b)`)
	// voiceTagRe captures the speaker from a "<v Alice>" span.
	voiceTagRe = regexp.MustCompile(`^<v(?:\.[^ >]*)?\s+([^>]+)>`)
)

// speakerPauseMs is the silence between cues that starts a new paragraph.
const speakerPauseMs = 2000

// NormalizeTranscript turns a caption export (WebVTT or SRT, as produced
// by most meeting recorders) into plain text with a paragraph per pause
// or speaker change. Input that is not a caption file is returned
// trimmed but otherwise unchanged.
func NormalizeTranscript(raw string) string {
	raw = strings.TrimPrefix(raw, "\ufeff")
	if !looksLikeCaptions(raw) {
		return strings.TrimSpace(raw)
	}

	var paragraphs []string
	var current []string
	var prevLine, prevSpeaker string
	prevEnd := -1

	flush := func() {
		if len(current) > 0 {
			paragraphs = append(paragraphs, strings.Join(current, " "))
			current = nil
		}
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))

		if m := cueTimingRe.FindStringSubmatch(line); m != nil {
			start, end := timestampMs(m[1]), timestampMs(m[2])
			if prevEnd >= 0 && start-prevEnd > speakerPauseMs {
				flush()
			}
			prevEnd = end
			continue
		}
		if line == "" || cueMetaRe.MatchString(line) || cueIDRe.MatchString(line) {
			continue
		}

		speaker := ""
		if m := voiceTagRe.FindStringSubmatch(line); m != nil {
			speaker = strings.TrimSpace(m[1])
		}
		line = strings.TrimSpace(cueTagRe.ReplaceAllString(line, ""))
		if line == "" || line == prevLine {
			continue
		}

		if speaker != "" && speaker != prevSpeaker {
			flush()
			line = speaker + ": " + line
			prevSpeaker = speaker
		}
		current = append(current, line)
		prevLine = line
	}
	flush()

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}

func looksLikeCaptions(raw string) bool {
	head := strings.TrimSpace(raw)
	if strings.HasPrefix(head, "WEBVTT") {
		return true
	}
	// SRT: a cue number followed by a timing line.
	lines := strings.SplitN(head, "\n", 3)
	return len(lines) >= 2 &&
		cueIDRe.MatchString(strings.TrimSpace(lines[0])) &&
		cueTimingRe.MatchString(strings.TrimSpace(lines[1]))
}

// timestampMs parses "HH:MM:SS.mmm", "MM:SS.mmm" or the SRT comma form.
func timestampMs(ts string) int {
	ts = strings.Replace(ts, ",", ".", 1)
	whole, frac, _ := strings.Cut(ts, ".")
	ms, _ := strconv.Atoi(frac)

	total := 0
	for _, part := range strings.Split(whole, ":") {
		n, _ := strconv.Atoi(part)
		total = total*60 + n
	}
	return total*1000 + ms
}
