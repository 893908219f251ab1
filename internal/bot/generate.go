package bot

import (
	"context"
	"regexp"
	"strings"

	"dscrape/internal/markov"
)

const (
	attempts        = 20
	attemptsPerIter = 2

	baseOverlapRatio = 0.5
	overlapStep      = 0.05
)

// generate spends the attempt budget with an overlap tolerance that loosens
// every iteration, then makes one last try with output testing off.
func generate(ctx context.Context, m *markov.Model, start string, r markov.Rand) (string, bool) {
	opts := markov.SentenceOptions{
		Tries:           attemptsPerIter,
		MaxOverlapTotal: markov.DefaultMaxOverlapTotal,
		TestOutput:      true,
		Rand:            r,
	}

	for i := 0; i < attempts/attemptsPerIter; i++ {
		if ctx.Err() != nil {
			return "", false
		}
		opts.MaxOverlapRatio = baseOverlapRatio + overlapStep*float64(i)
		if s, ok := sentence(m, start, opts); ok {
			return s, true
		}
	}

	opts.TestOutput = false
	return sentence(m, start, opts)
}

func sentence(m *markov.Model, start string, opts markov.SentenceOptions) (string, bool) {
	if start == "" {
		return m.MakeSentence(opts)
	}
	s, ok, err := m.MakeSentenceWithStart(start, false, opts)
	return s, ok && err == nil
}

var (
	uwuNy   = regexp.MustCompile(`([nN])([aeiouAEIOU])`)
	uwuOve  = strings.NewReplacer("ove", "uv", "OVE", "UV")
	uwuRL   = strings.NewReplacer("r", "w", "l", "w", "R", "W", "L", "W")
	uwuFace = " uwu"
)

// Uwu rewrites s in the uwu register: "ove" becomes "uv", r and l become w,
// n before a vowel gains a y, and a face is appended.
func Uwu(s string) string {
	if s == "" {
		return s
	}
	s = uwuOve.Replace(s)
	s = uwuRL.Replace(s)
	s = uwuNy.ReplaceAllString(s, "${1}y${2}")
	return s + uwuFace
}
