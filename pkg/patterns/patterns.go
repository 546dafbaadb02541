// Package patterns mines recently classified emails for recurring
// subject and sender patterns, upserting an EmailPattern per recurring
// signature with a recomputed automation_potential on every run.
package patterns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ssmanji89/emailprocer/pkg/store"
)

// Store is the subset of the Store the detector reads and writes.
type Store interface {
	RecentClassifiedEmails(ctx context.Context, cutoff time.Time) ([]store.PatternMiningRow, error)
	UpsertPattern(ctx context.Context, p store.EmailPattern) error
}

// Config bounds the detection window and the minimum recurrence a
// signature needs before it is recorded as a pattern.
type Config struct {
	Lookback          time.Duration
	MinFrequency      int
	AutomationTarget  int // frequency at which automation_potential saturates to 100
	MaxSampleEmailIDs int
}

// Detector mines EmailPattern rows from recent classified traffic.
type Detector struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// New builds a Detector.
func New(st Store, cfg Config) *Detector {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 30 * 24 * time.Hour
	}
	if cfg.MinFrequency <= 0 {
		cfg.MinFrequency = 3
	}
	if cfg.AutomationTarget <= 0 {
		cfg.AutomationTarget = 10
	}
	if cfg.MaxSampleEmailIDs <= 0 {
		cfg.MaxSampleEmailIDs = 5
	}
	return &Detector{store: st, cfg: cfg, logger: slog.Default().With("component", "patterns")}
}

// Detect runs one detection pass over emails classified since now minus
// cfg.Lookback, grouping by normalized subject signature and by sender,
// and upserting an EmailPattern for every group meeting MinFrequency.
// It returns the number of patterns upserted.
func (d *Detector) Detect(ctx context.Context, now time.Time) (int, error) {
	rows, err := d.store.RecentClassifiedEmails(ctx, now.Add(-d.cfg.Lookback))
	if err != nil {
		return 0, fmt.Errorf("patterns: fetching recent classified emails: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	bySubject := map[string][]store.PatternMiningRow{}
	bySender := map[string][]store.PatternMiningRow{}
	for _, r := range rows {
		if sig := subjectSignature(r.Subject); sig != "" {
			bySubject[sig] = append(bySubject[sig], r)
		}
		bySender[strings.ToLower(r.Sender)] = append(bySender[strings.ToLower(r.Sender)], r)
	}

	count := 0
	for sig, group := range bySubject {
		if len(group) < d.cfg.MinFrequency {
			continue
		}
		if err := d.upsert(ctx, store.PatternSubject, "subject:"+sig, fmt.Sprintf("recurring subject pattern %q", sig), group); err != nil {
			return count, err
		}
		count++
	}
	for sender, group := range bySender {
		if len(group) < d.cfg.MinFrequency || sender == "" {
			continue
		}
		if err := d.upsert(ctx, store.PatternSender, "sender:"+sender, fmt.Sprintf("recurring sender %s", sender), group); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (d *Detector) upsert(ctx context.Context, kind store.PatternType, signature, description string, rows []store.PatternMiningRow) error {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ReceivedAt.Before(rows[j].ReceivedAt) })

	samples := make([]string, 0, d.cfg.MaxSampleEmailIDs)
	for i := len(rows) - 1; i >= 0 && len(samples) < d.cfg.MaxSampleEmailIDs; i-- {
		samples = append(samples, rows[i].EmailID)
	}

	potential := float64(len(rows)) / float64(d.cfg.AutomationTarget) * 100
	if potential > 100 {
		potential = 100
	}

	p := store.EmailPattern{
		PatternID:           patternID(signature),
		Type:                kind,
		Description:         description,
		Frequency:           len(rows),
		FirstSeen:           rows[0].ReceivedAt.UTC(),
		LastSeen:            rows[len(rows)-1].ReceivedAt.UTC(),
		AutomationPotential: potential,
		SampleEmailIDs:      samples,
		CommonKeywords:      commonKeywords(rows),
		TimeSavingsEstimate: fmt.Sprintf("~%d minutes saved per recurrence if automated", estimatedMinutesSaved(kind)),
	}
	if err := d.store.UpsertPattern(ctx, p); err != nil {
		return fmt.Errorf("patterns: upserting %s pattern: %w", kind, err)
	}
	return nil
}

func estimatedMinutesSaved(kind store.PatternType) int {
	switch kind {
	case store.PatternSender:
		return 3
	default:
		return 5
	}
}

var (
	replyPrefix = regexp.MustCompile(`(?i)^(re|fwd|fw)\s*:\s*`)
	nonWord     = regexp.MustCompile(`[^a-z0-9 ]+`)
	digitRun    = regexp.MustCompile(`\d+`)
	whitespace  = regexp.MustCompile(`\s+`)
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "of": true, "to": true,
	"for": true, "and": true, "on": true, "in": true, "with": true, "your": true,
	"you": true, "please": true, "re": true,
}

// subjectSignature normalizes a subject into a stable grouping key:
// strip reply/forward prefixes and digits (ticket numbers, dates), drop
// stopwords, and sort the remaining significant tokens.
func subjectSignature(subject string) string {
	s := replyPrefix.ReplaceAllString(strings.ToLower(subject), "")
	s = digitRun.ReplaceAllString(s, "")
	s = nonWord.ReplaceAllString(s, " ")
	s = whitespace.ReplaceAllString(s, " ")

	var tokens []string
	for _, tok := range strings.Fields(s) {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		tokens = append(tokens, tok)
	}
	if len(tokens) == 0 {
		return ""
	}
	sort.Strings(tokens)
	return strings.Join(tokens, "-")
}

// commonKeywords extracts the signature tokens shared by a group's
// subjects, used as the pattern's common_keywords field.
func commonKeywords(rows []store.PatternMiningRow) []string {
	counts := map[string]int{}
	for _, r := range rows {
		seen := map[string]bool{}
		for _, tok := range strings.Split(subjectSignature(r.Subject), "-") {
			if tok == "" || seen[tok] {
				continue
			}
			seen[tok] = true
			counts[tok]++
		}
	}
	var keywords []string
	for tok, n := range counts {
		if n*2 >= len(rows) { // appears in at least half the group
			keywords = append(keywords, tok)
		}
	}
	sort.Strings(keywords)
	return keywords
}

// patternID derives a stable id from a pattern's grouping signature.
func patternID(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return "pat-" + hex.EncodeToString(sum[:])[:16]
}
