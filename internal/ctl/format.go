package ctl

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

func formatMeters(m float64) string {
	if m >= 1000 {
		return humanize.FtoaWithDigits(m/1000, 2) + " km"
	}
	return humanize.FtoaWithDigits(m, 1) + " m"
}

func formatWhen(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	if !t.After(now) {
		return "now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

type siteMeters struct {
	Site   string
	Meters float64
}

// bySite orders sites by distance, largest first.
func bySite(m map[string]float64) []siteMeters {
	out := make([]siteMeters, 0, len(m))
	for site, v := range m {
		out = append(out, siteMeters{Site: site, Meters: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Meters == out[j].Meters {
			return out[i].Site < out[j].Site
		}
		return out[i].Meters > out[j].Meters
	})
	return out
}

func pluralize(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", word)
	}
	plural := word + "s"
	if strings.HasSuffix(word, "ch") || strings.HasSuffix(word, "s") {
		plural = word + "es"
	}
	return fmt.Sprintf("%s %s", humanize.Comma(int64(n)), plural)
}
