package achievements

import (
	"fmt"
	"strings"
)

var distanceTitles = map[int]string{
	100:  "100m Regret",
	250:  "Quarter-Kilometer Spiral",
	500:  "Half-K Hole",
	1000: "Kilometer Club",
	2000: "Two-K Trench",
}

// toastFor renders the fixed presentation for a trigger. The same trigger
// always renders the same toast.
func toastFor(t Trigger) Toast {
	switch t.Type {
	case TriggerDailyDistance:
		n := int(t.Value)
		title, ok := distanceTitles[n]
		if !ok {
			title = fmt.Sprintf("%dm Milestone", n)
		}
		return Toast{Title: title, Body: fmt.Sprintf("You scrolled %dm today.", n), Emoji: "📏"}
	case TriggerAppSpecialist:
		return Toast{
			Title: fmt.Sprintf("%s Specialist", siteLabel(t.Site)),
			Body:  fmt.Sprintf("%.0f%% of today's scrolling happened on %s.", t.Value, siteLabel(t.Site)),
			Emoji: "🎯",
		}
	case TriggerAppDiversity:
		return Toast{Title: "App Hopper", Body: fmt.Sprintf("You spread today's scrolling across %.0f apps.", t.Value), Emoji: "🦘"}
	case TriggerBurstScroll:
		return Toast{Title: "Flick Frenzy", Body: "40m in under 30 seconds.", Emoji: "⚡"}
	case TriggerSessionMarathon:
		return Toast{Title: "Marathon Session", Body: "Twenty minutes and 250m without a break.", Emoji: "🏃"}
	default:
		return Toast{Title: "Achievement unlocked", Body: string(t.Type)}
	}
}

func siteLabel(site string) string {
	if site == "" {
		return "One App"
	}
	return strings.ToUpper(site[:1]) + site[1:]
}
