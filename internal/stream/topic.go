package stream

import (
	"strings"

	"github.com/HerbHall/switchyard/pkg/plugin"
)

// TopicAll is the aggregate topic that receives every event.
const TopicAll = "all"

// TopicFilter maps a stream topic to a bus filter. "all" (or empty) matches
// every event; any other topic is an event-type namespace, so "firewall"
// matches "firewall.rule.created".
func TopicFilter(topic string) *plugin.Filter {
	topic = strings.TrimSpace(topic)
	switch {
	case topic == "" || topic == TopicAll || topic == "*":
		return nil
	case strings.HasSuffix(topic, ".*"):
		return plugin.TypeFilter(topic)
	default:
		return plugin.TypeFilter(topic + ".*")
	}
}
