package flow

import "strings"

// ChallengeDetector spots verification interstitials from the page URL and
// visible text. It is deliberately dumb: substring hints, configured per
// platform, so a layout change only needs a config edit.
type ChallengeDetector struct {
	urlHints  []string
	textHints []string
}

// NewChallengeDetector lowercases the hints once up front.
func NewChallengeDetector(urlHints, textHints []string) *ChallengeDetector {
	return &ChallengeDetector{
		urlHints:  lowerAll(urlHints),
		textHints: lowerAll(textHints),
	}
}

// Detect reports whether the page looks like a challenge, and which hint
// matched. URL hints win over text hints since they are cheaper and less
// prone to false positives from help-center copy.
func (d *ChallengeDetector) Detect(pageURL, pageText string) (bool, string) {
	u := strings.ToLower(pageURL)
	for _, hint := range d.urlHints {
		if strings.Contains(u, hint) {
			return true, "url:" + hint
		}
	}
	t := strings.ToLower(pageText)
	for _, hint := range d.textHints {
		if strings.Contains(t, hint) {
			return true, "text:" + hint
		}
	}
	return false, ""
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(strings.ToLower(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
