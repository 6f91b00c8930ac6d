// Package selector implements the client-side relay selector of spec §4.8:
// composite scoring, a weighted exploit/explore selection strategy, and a
// per-relay circuit breaker with exponential backoff.
package selector

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/petervdpas/goop2-relay/internal/storage"
)

// FailureThreshold is spec §4.8's FAILURE_THRESHOLD.
const FailureThreshold = 3

// ExploreProbability is the chance a selection draws from outside the top 3
// candidates by score, rather than exploiting the top 3.
const ExploreProbability = 0.2

const windowResetAfter = 10 * time.Minute

// ErrNoneAvailable is returned when no candidate relay is eligible.
var ErrNoneAvailable = errors.New("selector: no relay available")

// Selector chooses a relay to dial, tracking per-relay outcome statistics
// in a NetworkStore.
type Selector struct {
	store           *storage.NetworkStore
	protocolVersion int
	rng             *rand.Rand
}

// New builds a Selector backed by store, filtering candidates to those
// advertising protocolVersion. rngSeed fixes the exploit/explore draw for
// reproducible tests (spec §8 S5); pass time.Now().UnixNano() in
// production.
func New(store *storage.NetworkStore, protocolVersion int, rngSeed int64) *Selector {
	return &Selector{store: store, protocolVersion: protocolVersion, rng: rand.New(rand.NewSource(rngSeed))}
}

type candidate struct {
	row   storage.RelayStatsRow
	score float64
}

// Select picks one eligible relay id, promoting any open-but-expired
// circuit to half_open as part of the same read (spec §4.8's "transactional
// promotion" so two selectors can't double-probe the same relay).
func (s *Selector) Select() (string, error) {
	all, err := s.store.List()
	if err != nil {
		return "", fmt.Errorf("selector: list relays: %w", err)
	}

	now := time.Now()
	eligible := make([]storage.RelayStatsRow, 0, len(all))
	for _, row := range all {
		if row.ProtocolVersion != s.protocolVersion {
			continue
		}
		row, err = s.maybePromote(row, now)
		if err != nil {
			return "", err
		}
		if row.CircuitState == storage.CircuitClosed || row.CircuitState == storage.CircuitHalfOpen {
			eligible = append(eligible, row)
		}
	}
	if len(eligible) == 0 {
		return "", ErrNoneAvailable
	}

	candidates := scoreAll(eligible)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	top := candidates
	if len(top) > 3 {
		top = candidates[:3]
	}
	rest := candidates[len(top):]

	if len(rest) > 0 && s.rng.Float64() < ExploreProbability {
		return rest[s.rng.Intn(len(rest))].row.ID, nil
	}
	return weightedPick(s.rng, top).row.ID, nil
}

// maybePromote atomically promotes an expired open circuit to half_open
// and persists the transition before returning it to the caller.
func (s *Selector) maybePromote(row storage.RelayStatsRow, now time.Time) (storage.RelayStatsRow, error) {
	if row.CircuitState != storage.CircuitOpen || row.BackoffUntil.After(now) {
		return row, nil
	}
	row.CircuitState = storage.CircuitHalfOpen
	if err := s.store.Save(row, FailureThreshold); err != nil {
		return row, fmt.Errorf("selector: promote to half_open: %w", err)
	}
	return row, nil
}

func scoreAll(rows []storage.RelayStatsRow) []candidate {
	minLatency, maxLatency := time.Duration(-1), time.Duration(-1)
	for _, r := range rows {
		if r.LastLatency <= 0 {
			continue
		}
		if minLatency < 0 || r.LastLatency < minLatency {
			minLatency = r.LastLatency
		}
		if maxLatency < 0 || r.LastLatency > maxLatency {
			maxLatency = r.LastLatency
		}
	}

	out := make([]candidate, len(rows))
	for i, r := range rows {
		out[i] = candidate{row: r, score: score(r, minLatency, maxLatency)}
	}
	return out
}

func score(r storage.RelayStatsRow, minLatency, maxLatency time.Duration) float64 {
	attempts := r.WindowAttempts
	if attempts < 1 {
		attempts = 1
	}
	successRate := float64(r.WindowSuccesses) / float64(attempts)

	normalizedLatency := 1.0 // pessimistic default for no-sample relays
	if r.LastLatency > 0 && maxLatency > minLatency {
		normalizedLatency = float64(r.LastLatency-minLatency) / float64(maxLatency-minLatency)
	} else if r.LastLatency > 0 && maxLatency == minLatency {
		normalizedLatency = 0
	}

	return 0.6*successRate + 0.4*(1-normalizedLatency)
}

func weightedPick(rng *rand.Rand, cands []candidate) candidate {
	total := 0.0
	for _, c := range cands {
		total += nonNegative(c.score)
	}
	if total <= 0 {
		return cands[rng.Intn(len(cands))]
	}
	r := rng.Float64() * total
	for _, c := range cands {
		r -= nonNegative(c.score)
		if r <= 0 {
			return c
		}
	}
	return cands[len(cands)-1]
}

func nonNegative(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}

// RecordSuccess applies spec §4.8's success transition: circuit closes,
// consecutive_failures resets, a latency sample is recorded, and the
// rolling window is advanced.
func (s *Selector) RecordSuccess(relayID string, latency time.Duration, now time.Time) error {
	row, err := s.store.Get(relayID)
	if err != nil {
		return fmt.Errorf("selector: record success: %w", err)
	}
	row = rollWindow(row, now)
	row.CircuitState = storage.CircuitClosed
	row.ConsecutiveFailures = 0
	row.WindowAttempts++
	row.WindowSuccesses++
	row.LastLatency = latency
	row.LastSeen = now
	row.LastConnect = now
	if err := s.store.Save(row, FailureThreshold); err != nil {
		return fmt.Errorf("selector: record success: %w", err)
	}
	return s.store.RecordLatencySample(relayID, now, latency)
}

// RecordFailure applies spec §4.8's failure transition: consecutive
// failures increment, and the circuit opens with exponential backoff once
// the threshold is reached.
func (s *Selector) RecordFailure(relayID string, now time.Time) error {
	row, err := s.store.Get(relayID)
	if err != nil {
		return fmt.Errorf("selector: record failure: %w", err)
	}
	row = rollWindow(row, now)
	row.ConsecutiveFailures++
	row.WindowAttempts++
	row.LastFailure = now
	if row.ConsecutiveFailures >= FailureThreshold {
		row.CircuitState = storage.CircuitOpen
		row.BackoffUntil = now.Add(backoff(row.ConsecutiveFailures))
	}
	return s.store.Save(row, FailureThreshold)
}

// backoff implements 5s × 2^(failures-3), capped at 30 minutes.
func backoff(consecutiveFailures int) time.Duration {
	const base = 5 * time.Second
	const backoffCap = 30 * time.Minute
	shift := consecutiveFailures - FailureThreshold
	if shift < 0 {
		shift = 0
	}
	if shift > 20 { // guard against overflow before the cap kicks in
		return backoffCap
	}
	d := base * time.Duration(1<<uint(shift))
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

func rollWindow(row storage.RelayStatsRow, now time.Time) storage.RelayStatsRow {
	if row.WindowStart.IsZero() || now.Sub(row.WindowStart) >= windowResetAfter {
		row.WindowStart = now
		row.WindowAttempts = 0
		row.WindowSuccesses = 0
	}
	return row
}
