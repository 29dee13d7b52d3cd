package preload

import (
	"context"
	"sort"
	"time"
)

// Namespaces the journal frontend reads most. Priorities reflect what the
// user sees first after login: account data above calendar data above
// analytics.
const (
	NamespaceAccount    = "account"
	NamespaceTrades     = "trades_recent"
	NamespaceStrategies = "trade_strategies"
	NamespaceCalendar   = "calendar"
	NamespaceStats      = "stats_overview"
	NamespaceAnalytics  = "analytics"
	NamespaceSettings   = "settings"
)

func (s *Scheduler) task(namespace, logical string, priority int, deps ...string) (Task, bool) {
	fetch, ok := s.reg.Fetcher(namespace)
	if !ok {
		return Task{}, false
	}
	return Task{
		ID:           namespace + ":" + logical,
		Priority:     priority,
		Namespace:    namespace,
		Logical:      logical,
		Dependencies: deps,
		Execute: func(ctx context.Context) (any, error) {
			return fetch(ctx, logical)
		},
	}, true
}

// PreloadEssential warms the data every dashboard render needs: the account
// first, then recent trades and strategies (which render against account
// settings), then the overview stats derived from trades.
func (s *Scheduler) PreloadEssential(ctx context.Context) {
	var tasks []Task

	account, haveAccount := s.task(NamespaceAccount, "current", 1)
	if haveAccount {
		tasks = append(tasks, account)
	}

	if t, ok := s.task(NamespaceTrades, "latest", 2); ok {
		if haveAccount {
			t.Dependencies = []string{account.ID}
		}
		tasks = append(tasks, t)
	}
	if t, ok := s.task(NamespaceStrategies, "all", 3); ok {
		if haveAccount {
			t.Dependencies = []string{account.ID}
		}
		tasks = append(tasks, t)
	}
	if t, ok := s.task(NamespaceStats, "overview", 4); ok {
		tasks = append(tasks, t)
	}

	s.ExecuteTasks(ctx, tasks)
}

// PreloadDateRange warms one calendar entry per month in [start, end].
func (s *Scheduler) PreloadDateRange(ctx context.Context, start, end time.Time) {
	var tasks []Task
	for m := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC); !m.After(end); m = m.AddDate(0, 1, 0) {
		if t, ok := s.task(NamespaceCalendar, m.Format("2006-01"), 5); ok {
			tasks = append(tasks, t)
		}
	}
	s.ExecuteTasks(ctx, tasks)
}

// PreloadInBackground warms the lower-priority screens (analytics, settings)
// that the user reaches eventually but not immediately.
func (s *Scheduler) PreloadInBackground(ctx context.Context) {
	var tasks []Task
	if t, ok := s.task(NamespaceAnalytics, "summary", 8); ok {
		tasks = append(tasks, t)
	}
	if t, ok := s.task(NamespaceSettings, "user", 9); ok {
		tasks = append(tasks, t)
	}
	s.ExecuteTasks(ctx, tasks)
}

// PredictivePreload warms the namespaces this session has read most often,
// on the bet that past access predicts the next one.
func (s *Scheduler) PredictivePreload(ctx context.Context) {
	counts := s.store.Stats(ctx).AccessCounts

	type hot struct {
		ns    string
		count uint64
	}
	ranked := make([]hot, 0, len(counts))
	for ns, c := range counts {
		if c > 0 {
			ranked = append(ranked, hot{ns: ns, count: c})
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].count > ranked[j].count })

	var tasks []Task
	for i, h := range ranked {
		if i >= 3 {
			break
		}
		if t, ok := s.task(h.ns, defaultLogical(h.ns), 6+i); ok {
			tasks = append(tasks, t)
		}
	}
	s.ExecuteTasks(ctx, tasks)
}

// defaultLogical maps a namespace to the logical key its fetcher warms by
// default.
func defaultLogical(namespace string) string {
	switch namespace {
	case NamespaceAccount:
		return "current"
	case NamespaceTrades:
		return "latest"
	case NamespaceStrategies:
		return "all"
	case NamespaceCalendar:
		return time.Now().UTC().Format("2006-01")
	case NamespaceStats:
		return "overview"
	case NamespaceAnalytics:
		return "summary"
	case NamespaceSettings:
		return "user"
	default:
		return "default"
	}
}
