package pipeline

import "strings"

// TranscriptPlaceholder marks where the transcript goes in a prompt template.
const TranscriptPlaceholder = "{{transcript}}"

// BuildPrompt renders tmpl for transcript. A template without the placeholder gets the
// transcript appended after a blank line; an empty template yields the transcript.
func BuildPrompt(tmpl, transcript string) string {
	transcript = strings.TrimSpace(transcript)
	if strings.TrimSpace(tmpl) == "" {
		return transcript
	}
	if !strings.Contains(tmpl, TranscriptPlaceholder) {
		return strings.TrimRight(tmpl, "\n") + "\n\n" + transcript
	}
	return strings.ReplaceAll(tmpl, TranscriptPlaceholder, transcript)
}
