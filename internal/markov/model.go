// Package markov builds word-level Markov chains from a newline separated
// corpus and generates sentences from them. Generated sentences can be
// checked against the corpus so the model does not just parrot it back.
package markov

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const (
	begin = "___BEGIN__"
	end   = "___END__"

	DefaultStateSize       = 2
	DefaultTries           = 10
	DefaultMaxOverlapRatio = 0.7
	DefaultMaxOverlapTotal = 15
)

var ErrBadStart = errors.New("start must contain at least one word")

// Sentences containing quotes, brackets or parentheses tend to produce
// unbalanced output, so they are left out of the chain.
var rejectInput = regexp.MustCompile(`(^')|('$)|\s'|'\s|["()\[\]]`)

// Rand is the subset of *rand.Rand the generator needs.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

type transitions struct {
	words  []string
	cumsum []int
}

func (t *transitions) pick(r Rand) string {
	total := t.cumsum[len(t.cumsum)-1]
	x := r.IntN(total)
	i := sort.SearchInts(t.cumsum, x+1)
	return t.words[i]
}

// Model is immutable once built and safe for concurrent generation.
type Model struct {
	stateSize int
	chain     map[string]*transitions
	sentences [][]string

	rejoinOnce sync.Once
	rejoined   string
}

// Build trains a chain on corpus. Every entry may hold several lines; each
// line is one sentence.
func Build(corpus []string, stateSize int) *Model {
	if stateSize <= 0 {
		stateSize = DefaultStateSize
	}

	var sentences [][]string
	for _, text := range corpus {
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || rejectInput.MatchString(line) {
				continue
			}
			sentences = append(sentences, strings.Fields(line))
		}
	}

	counts := make(map[string]map[string]int)
	for _, words := range sentences {
		state := beginState(stateSize)
		for _, w := range append(append([]string(nil), words...), end) {
			k := stateKey(state)
			if counts[k] == nil {
				counts[k] = make(map[string]int)
			}
			counts[k][w]++
			state = append(state[1:], w)
		}
	}

	return &Model{
		stateSize: stateSize,
		chain:     compile(counts),
		sentences: sentences,
	}
}

func compile(counts map[string]map[string]int) map[string]*transitions {
	chain := make(map[string]*transitions, len(counts))
	for k, next := range counts {
		t := &transitions{}
		for w := range next {
			t.words = append(t.words, w)
		}
		sort.Strings(t.words)
		sum := 0
		for _, w := range t.words {
			sum += next[w]
			t.cumsum = append(t.cumsum, sum)
		}
		chain[k] = t
	}
	return chain
}

func (m *Model) StateSize() int { return m.stateSize }

// Sentences is the number of corpus lines the chain was trained on.
func (m *Model) Sentences() int { return len(m.sentences) }

type SentenceOptions struct {
	Tries           int
	MaxOverlapRatio float64
	MaxOverlapTotal int
	// TestOutput rejects sentences that copy too long a run of words from
	// the corpus.
	TestOutput bool
	Rand       Rand
}

// DefaultSentenceOptions matches the usual tuning: ten tries, output tested.
func DefaultSentenceOptions() SentenceOptions {
	return SentenceOptions{
		Tries:           DefaultTries,
		MaxOverlapRatio: DefaultMaxOverlapRatio,
		MaxOverlapTotal: DefaultMaxOverlapTotal,
		TestOutput:      true,
	}
}

func (o SentenceOptions) normalized() SentenceOptions {
	if o.Tries <= 0 {
		o.Tries = DefaultTries
	}
	if o.MaxOverlapRatio <= 0 {
		o.MaxOverlapRatio = DefaultMaxOverlapRatio
	}
	if o.MaxOverlapTotal <= 0 {
		o.MaxOverlapTotal = DefaultMaxOverlapTotal
	}
	if o.Rand == nil {
		o.Rand = globalRand{}
	}
	return o
}

// MakeSentence walks the chain from the beginning of a sentence.
func (m *Model) MakeSentence(opts SentenceOptions) (string, bool) {
	return m.makeFrom(beginState(m.stateSize), opts.normalized())
}

// MakeSentenceWithStart generates a sentence that starts with start. With
// strict set, a start shorter than a state must open a corpus sentence;
// otherwise it may appear anywhere in one.
func (m *Model) MakeSentenceWithStart(start string, strict bool, opts SentenceOptions) (string, bool, error) {
	words := strings.Fields(start)
	if len(words) == 0 {
		return "", false, ErrBadStart
	}
	opts = opts.normalized()

	var inits [][]string
	switch {
	case len(words) >= m.stateSize:
		inits = [][]string{words}
	case strict:
		inits = [][]string{append(beginState(m.stateSize-len(words)), words...)}
	default:
		inits = m.statesStartingWith(words)
		shuffle(inits, opts.Rand)
	}

	for _, init := range inits {
		if s, ok := m.makeFrom(init, opts); ok {
			return s, true, nil
		}
	}
	return "", false, nil
}

// makeFrom generates from init, where init may be longer than a state: the
// last stateSize words seed the walk and all of init is kept as prefix.
func (m *Model) makeFrom(init []string, opts SentenceOptions) (string, bool) {
	prefix := make([]string, 0, len(init))
	for _, w := range init {
		if w != begin {
			prefix = append(prefix, w)
		}
	}
	state := append([]string(nil), init[len(init)-m.stateSize:]...)

	if _, ok := m.chain[stateKey(state)]; !ok {
		return "", false
	}

	for i := 0; i < opts.Tries; i++ {
		words := append(append([]string(nil), prefix...), m.walk(state, opts.Rand)...)
		if len(words) == 0 {
			continue
		}
		if opts.TestOutput && !m.testOutput(words, opts) {
			continue
		}
		return strings.Join(words, " "), true
	}
	return "", false
}

func (m *Model) walk(init []string, r Rand) []string {
	state := append([]string(nil), init...)
	var out []string
	for {
		t, ok := m.chain[stateKey(state)]
		if !ok {
			return out
		}
		w := t.pick(r)
		if w == end {
			return out
		}
		out = append(out, w)
		state = append(state[1:], w)
	}
}

func (m *Model) testOutput(words []string, opts SentenceOptions) bool {
	m.rejoinOnce.Do(func() {
		lines := make([]string, len(m.sentences))
		for i, s := range m.sentences {
			lines[i] = strings.Join(s, " ")
		}
		m.rejoined = strings.Join(lines, "\n")
	})

	ratio := int(math.RoundToEven(opts.MaxOverlapRatio * float64(len(words))))
	overlapMax := min(opts.MaxOverlapTotal, ratio)
	over := overlapMax + 1
	grams := max(len(words)-overlapMax, 1)

	for i := 0; i < grams; i++ {
		j := min(i+over, len(words))
		if strings.Contains(m.rejoined, strings.Join(words[i:j], " ")) {
			return false
		}
	}
	return true
}

// statesStartingWith returns every chain state whose non-begin words open
// with words, in a stable order.
func (m *Model) statesStartingWith(words []string) [][]string {
	var out [][]string
	for k := range m.chain {
		state := strings.Split(k, "\x00")
		var trimmed []string
		for _, w := range state {
			if w != begin {
				trimmed = append(trimmed, w)
			}
		}
		if len(trimmed) < len(words) {
			continue
		}
		match := true
		for i, w := range words {
			if trimmed[i] != w {
				match = false
				break
			}
		}
		if match {
			out = append(out, state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return stateKey(out[i]) < stateKey(out[j]) })
	return out
}

func shuffle(states [][]string, r Rand) {
	for i := len(states) - 1; i > 0; i-- {
		j := r.IntN(i + 1)
		states[i], states[j] = states[j], states[i]
	}
}

func beginState(n int) []string {
	s := make([]string, n)
	for i := range s {
		s[i] = begin
	}
	return s
}

func stateKey(state []string) string {
	return strings.Join(state, "\x00")
}

type chainEntry struct {
	State []string       `json:"state"`
	Next  map[string]int `json:"next"`
}

type modelJSON struct {
	StateSize       int          `json:"state_size"`
	Chain           []chainEntry `json:"chain"`
	ParsedSentences [][]string   `json:"parsed_sentences"`
}

func (m *Model) MarshalJSON() ([]byte, error) {
	out := modelJSON{StateSize: m.stateSize, ParsedSentences: m.sentences}
	for k, t := range m.chain {
		next := make(map[string]int, len(t.words))
		prev := 0
		for i, w := range t.words {
			next[w] = t.cumsum[i] - prev
			prev = t.cumsum[i]
		}
		out.Chain = append(out.Chain, chainEntry{State: strings.Split(k, "\x00"), Next: next})
	}
	sort.Slice(out.Chain, func(i, j int) bool {
		return stateKey(out.Chain[i].State) < stateKey(out.Chain[j].State)
	})
	if out.ParsedSentences == nil {
		out.ParsedSentences = [][]string{}
	}
	return json.Marshal(out)
}

func (m *Model) UnmarshalJSON(b []byte) error {
	var in modelJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in.StateSize <= 0 {
		return fmt.Errorf("invalid state size %d", in.StateSize)
	}

	counts := make(map[string]map[string]int, len(in.Chain))
	for _, e := range in.Chain {
		if len(e.State) != in.StateSize {
			return fmt.Errorf("state %q does not have %d words", e.State, in.StateSize)
		}
		if len(e.Next) == 0 {
			return fmt.Errorf("state %q has no transitions", e.State)
		}
		for w, n := range e.Next {
			if n <= 0 {
				return fmt.Errorf("state %q: non-positive count for %q", e.State, w)
			}
		}
		counts[stateKey(e.State)] = e.Next
	}

	m.stateSize = in.StateSize
	m.chain = compile(counts)
	m.sentences = in.ParsedSentences
	return nil
}

// Save writes the model as JSON.
func (m *Model) Save(w io.Writer) error {
	return json.NewEncoder(w).Encode(m)
}

// Load reads a model written by Save.
func Load(r io.Reader) (*Model, error) {
	m := &Model{}
	if err := json.NewDecoder(r).Decode(m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return m, nil
}
