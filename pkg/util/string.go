package util

import (
	"strings"
	"unicode/utf8"
)

// BuildCaption joins the description and the topics as hashtags:
// "desc #topic1 #topic2", or only the hashtags when there is no description.
func BuildCaption(description string, topics []string) string {
	var tags []string
	for _, topic := range topics {
		topic = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(topic), "#"))
		if topic == "" {
			continue
		}
		tags = append(tags, "#"+topic)
	}

	description = strings.TrimSpace(description)
	switch {
	case len(tags) == 0:
		return description
	case description == "":
		return strings.Join(tags, " ")
	default:
		return description + " " + strings.Join(tags, " ")
	}
}

// TruncateRunes cuts s to at most max runes.
func TruncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
