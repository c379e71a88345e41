package campaign

import "github.com/TDXCORE/EmailApp/internal/store"

// Metrics aggregates the engagement of one campaign. Rates are percentages.
type Metrics struct {
	Sent         int     `json:"sent"`
	Opened       int     `json:"opened"`
	Clicked      int     `json:"clicked"`
	Bounced      int     `json:"bounced"`
	Unsubscribed int     `json:"unsubscribed"`
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
	BounceRate   float64 `json:"bounce_rate"`
}

// Dashboard is the operator-wide summary.
type Dashboard struct {
	store.DashboardTotals
	OpenRate   float64 `json:"open_rate"`
	ClickRate  float64 `json:"click_rate"`
	BounceRate float64 `json:"bounce_rate"`
}

func rate(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of) * 100
}

// Aggregate computes campaign metrics from its rows.
func Aggregate(rows []store.EmailMetric) Metrics {
	var m Metrics
	m.Sent = len(rows)
	for _, r := range rows {
		if r.OpenedAt != 0 {
			m.Opened++
		}
		if r.ClickedAt != 0 {
			m.Clicked++
		}
		if r.BouncedAt != 0 {
			m.Bounced++
		}
		if r.UnsubscribedAt != 0 {
			m.Unsubscribed++
		}
	}
	m.OpenRate = rate(m.Opened, m.Sent)
	m.ClickRate = rate(m.Clicked, m.Sent)
	m.BounceRate = rate(m.Bounced, m.Sent)
	return m
}

// Summarize adds rates to dashboard totals.
func Summarize(t store.DashboardTotals) Dashboard {
	return Dashboard{
		DashboardTotals: t,
		OpenRate:        rate(t.Opened, t.EmailsSent),
		ClickRate:       rate(t.Clicked, t.EmailsSent),
		BounceRate:      rate(t.Bounced, t.EmailsSent),
	}
}
