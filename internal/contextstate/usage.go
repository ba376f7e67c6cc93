package contextstate

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/rcliao/agent-context/internal/budget"
	"github.com/rcliao/agent-context/internal/errs"
	"github.com/rcliao/agent-context/internal/events"
	"github.com/rcliao/agent-context/internal/metrics"
	"github.com/rcliao/agent-context/internal/model"
)

const (
	lowUtilization     = 0.3
	lowUtilizationUses = 2
	nearLimitRatio     = 0.8
	duplicatePrefix    = 100
)

// TrackUsage records which items a message used and how much. Scores are
// clamped to [0, 1] on a copy; e itself is left as the caller built it.
func (m *Manager) TrackUsage(ctx context.Context, e *model.UsageEvent) (*Result, error) {
	if e == nil || e.SessionID == "" {
		return m.finish("track_usage", nil, errs.Validation(errs.CodeValidation, "session id is required"))
	}
	ev := *e
	ev.Items = make([]model.ItemUtilization, len(e.Items))
	for i, it := range e.Items {
		if !model.ValidItemTypes[it.Type] {
			return m.finish("track_usage", nil, errs.Validation(errs.CodeInvalidItemType,
				fmt.Sprintf("invalid item type %q", it.Type)))
		}
		it.Score = math.Max(0, math.Min(1, it.Score))
		ev.Items[i] = it
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	if err := m.store.AppendUsage(ctx, &ev); err != nil {
		return m.finish("track_usage", nil, errs.Unavailable(errs.CodePersistenceFailed, "could not record usage", err))
	}

	m.emit(ctx, events.TypeContextUsage, ev.SessionID, events.ContextUsage{
		MessageID: ev.MessageID,
		Intent:    ev.Intent,
		Items:     ev.Items,
	})
	return m.finish("track_usage", &Result{AffectedCount: len(ev.Items)}, nil)
}

// ItemMetric is one item's usage within a stats window.
type ItemMetric struct {
	Type               model.ItemType `json:"type"`
	ID                 string         `json:"id"`
	Uses               int            `json:"uses"`
	AverageUtilization float64        `json:"average_utilization"`
	FirstUsedAt        time.Time      `json:"first_used_at"`
	LastUsedAt         time.Time      `json:"last_used_at"`
	Intents            []string       `json:"intents,omitempty"`
	Selected           bool           `json:"selected"`

	sum float64
}

// UsageStats summarizes how a session's context was used.
type UsageStats struct {
	SessionID          string         `json:"session_id"`
	WindowHours        int            `json:"window_hours"`
	TotalItems         int            `json:"total_items"`
	TotalUses          int            `json:"total_uses"`
	Messages           int            `json:"messages"`
	AvgItemsPerMessage float64        `json:"avg_items_per_message"`
	DominantType       model.ItemType `json:"dominant_type,omitempty"`
	Items              []ItemMetric   `json:"items"`
	Recommendations    []string       `json:"recommendations"`
}

// UsageStats aggregates usage events from the last windowHours (all time when
// windowHours <= 0) and recommends selection changes.
func (m *Manager) UsageStats(ctx context.Context, sessionID string, windowHours int) (stats *UsageStats, err error) {
	defer func() { metrics.ObserveOperation("usage_stats", err) }()

	st, err := m.State(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if windowHours > 0 {
		since = m.now().Add(-time.Duration(windowHours) * time.Hour)
	}
	evs, err := m.store.ListUsage(ctx, sessionID, since)
	if err != nil {
		return nil, errs.Unavailable(errs.CodePersistenceFailed, "could not load usage", err)
	}

	stats = &UsageStats{
		SessionID:       sessionID,
		WindowHours:     windowHours,
		Messages:        len(evs),
		Items:           []ItemMetric{},
		Recommendations: []string{},
	}

	byRef := map[model.ItemRef]*ItemMetric{}
	byType := map[model.ItemType]int{}
	for _, ev := range evs {
		for _, it := range ev.Items {
			ref := model.ItemRef{Type: it.Type, ID: it.ID}
			im, ok := byRef[ref]
			if !ok {
				im = &ItemMetric{Type: it.Type, ID: it.ID}
				byRef[ref] = im
			}
			im.Uses++
			im.sum += it.Score
			if im.FirstUsedAt.IsZero() || ev.Timestamp.Before(im.FirstUsedAt) {
				im.FirstUsedAt = ev.Timestamp
			}
			if ev.Timestamp.After(im.LastUsedAt) {
				im.LastUsedAt = ev.Timestamp
			}
			if ev.Intent != "" && !slices.Contains(im.Intents, ev.Intent) {
				im.Intents = append(im.Intents, ev.Intent)
			}
			byType[it.Type]++
			stats.TotalUses++
		}
	}

	selected := map[model.ItemRef]bool{}
	for _, r := range st.Refs() {
		selected[r] = true
	}
	for ref, im := range byRef {
		im.AverageUtilization = round3(im.sum / float64(im.Uses))
		im.Selected = selected[ref]
		stats.Items = append(stats.Items, *im)
	}
	sort.Slice(stats.Items, func(i, j int) bool {
		a, b := stats.Items[i], stats.Items[j]
		if a.Uses != b.Uses {
			return a.Uses > b.Uses
		}
		if a.AverageUtilization != b.AverageUtilization {
			return a.AverageUtilization > b.AverageUtilization
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	})

	stats.TotalItems = len(byRef)
	if len(evs) > 0 {
		stats.AvgItemsPerMessage = math.Round(float64(stats.TotalUses)/float64(len(evs))*100) / 100
	}
	best := 0
	for _, t := range model.SelectableTypes {
		if byType[t] > best {
			best = byType[t]
			stats.DominantType = t
		}
	}

	stats.Recommendations = append(stats.Recommendations, m.duplicateRecommendations(ctx, st)...)
	for _, im := range stats.Items {
		if im.Uses >= lowUtilizationUses && im.AverageUtilization < lowUtilization {
			stats.Recommendations = append(stats.Recommendations, fmt.Sprintf(
				"%s %s has low utilization (%.2f average over %d uses); consider removing it",
				im.Type, im.ID, im.AverageUtilization, im.Uses))
		}
	}
	unused := 0
	for r := range selected {
		if _, ok := byRef[r]; !ok {
			unused++
		}
	}
	if unused > 0 && len(evs) > 0 {
		stats.Recommendations = append(stats.Recommendations, fmt.Sprintf(
			"%d selected items were not used by any message%s; consider removing them",
			unused, windowSuffix(windowHours)))
	}
	for _, t := range model.SelectableTypes {
		n := st.Counts[t]
		if float64(n) >= nearLimitRatio*float64(st.Limit) {
			stats.Recommendations = append(stats.Recommendations, fmt.Sprintf(
				"%s selection is at %d of %d; clear unused items before adding more", t, n, st.Limit))
		}
	}
	return stats, nil
}

// duplicateRecommendations flags selected items of one type whose content
// starts the same way. Items that fail to hydrate are skipped.
func (m *Manager) duplicateRecommendations(ctx context.Context, st *State) []string {
	var recs []string
	seen := map[string]string{}
	for _, f := range m.fetchAll(ctx, st.Refs()) {
		if f.item == nil || f.item.Text() == "" {
			continue
		}
		key := budget.DuplicateKey(*f.item, duplicatePrefix)
		if first, ok := seen[key]; ok {
			recs = append(recs, fmt.Sprintf(
				"%s %s duplicates the content of %s; remove one of them", f.ref.Type, f.ref.ID, first))
			continue
		}
		seen[key] = f.ref.ID
	}
	return recs
}

func windowSuffix(hours int) string {
	if hours <= 0 {
		return ""
	}
	return fmt.Sprintf(" in the last %d hours", hours)
}

func round3(f float64) float64 { return math.Round(f*1000) / 1000 }
