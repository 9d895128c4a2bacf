package backend

import (
	"fmt"
	"strings"
)

// composeBadge writes the flavour text for a generated badge. The output
// depends only on its inputs so retries produce the same row.
func composeBadge(triggerType string, value float64, site string) (title, body string) {
	name := strings.TrimSpace(site)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	switch triggerType {
	case "daily_distance":
		return fmt.Sprintf("Scroll Odyssey: %.0fm", value),
			fmt.Sprintf("Your thumb covered %.0f meters today. A printed newspaper would have ended hours ago.", value)
	case "app_specialist":
		if name == "" {
			name = "One App"
		}
		return fmt.Sprintf("%s Devotee", name),
			fmt.Sprintf("%.0f%% of today's scrolling happened in %s. Loyalty, or something like it.", value, name)
	case "app_diversity":
		return "Tab Nomad",
			fmt.Sprintf("You wandered through %.0f different apps today without settling down.", value)
	case "burst_scroll":
		return "Thumb Turbo",
			fmt.Sprintf("%.0f meters in half a minute. The feed could barely keep up.", value)
	case "session_marathon":
		return "Endless Feed Voyager",
			fmt.Sprintf("One sitting, %.0f meters. The feed never ended and neither did you.", value)
	}
	return "Mystery Milestone", "Something about your scrolling today was remarkable."
}
