// Package parser turns raw test-run output into pass/fail/skip counters.
//
// Strategies are tried in strict priority order and the first one that
// yields a non-zero total wins. Structured summary lines always beat the
// noisier heuristics further down the chain, and the final fallback
// guarantees Parse never fails.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mobtestlab/devicepilot/pkg/models"
)

// strategy inspects the output text and reports counters plus whether it
// considers itself applicable (non-zero total).
type strategy func(text string) (models.Counters, bool)

var strategies = []strategy{
	parseSummaryLine,
	parseFrameworkVocabulary,
	parseMarkers,
}

// Parse extracts counters from raw process/report text. It never errors:
// if no strategy applies it assumes a single-test run.
func Parse(text string) models.Counters {
	for _, s := range strategies {
		if counters, ok := s(text); ok {
			return counters
		}
	}
	// Fallback: assume exactly one test ran.
	return models.Counters{Total: 1}
}

// summaryLineRe matches the structured summary emitted by the framework,
// e.g. "Tests: 3 passed, 0 failed, 0 skipped, 3 total".
var summaryLineRe = regexp.MustCompile(`Tests:\s*(\d+) passed, (\d+) failed, (\d+) skipped, (\d+) total`)

func parseSummaryLine(text string) (models.Counters, bool) {
	m := summaryLineRe.FindStringSubmatch(text)
	if m == nil {
		return models.Counters{}, false
	}
	c := models.Counters{
		Passed:  atoi(m[1]),
		Failed:  atoi(m[2]),
		Skipped: atoi(m[3]),
		Total:   atoi(m[4]),
	}
	return c, c.Total > 0
}

var (
	passingRe = regexp.MustCompile(`(\d+)\s+passing`)
	failingRe = regexp.MustCompile(`(\d+)\s+failing`)
	pendingRe = regexp.MustCompile(`(\d+)\s+(?:pending|skipped)`)
)

// parseFrameworkVocabulary counts the framework's "N passing" / "N failing" /
// "N pending" phrases independently; the total is their sum.
func parseFrameworkVocabulary(text string) (models.Counters, bool) {
	var c models.Counters
	if m := passingRe.FindStringSubmatch(text); m != nil {
		c.Passed = atoi(m[1])
	}
	if m := failingRe.FindStringSubmatch(text); m != nil {
		c.Failed = atoi(m[1])
	}
	if m := pendingRe.FindStringSubmatch(text); m != nil {
		c.Skipped = atoi(m[1])
	}
	c.Total = c.Passed + c.Failed + c.Skipped
	return c, c.Total > 0
}

// parseMarkers counts success and failure glyphs plus dash-prefixed skip
// lines across the whole text. Last resort before the fixed fallback.
func parseMarkers(text string) (models.Counters, bool) {
	var c models.Counters
	for _, r := range text {
		switch r {
		case '✓', '✔':
			c.Passed++
		case '✗', '✖', '✕':
			c.Failed++
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "- ") {
			c.Skipped++
		}
	}
	c.Total = c.Passed + c.Failed + c.Skipped
	return c, c.Total > 0
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
