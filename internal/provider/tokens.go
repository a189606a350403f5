package provider

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// EstimateTokens counts tokens for the given model's encoding, falling back
// to cl100k_base and then to a character heuristic when the encoding is
// unavailable offline.
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		// Rough heuristic: one token per four characters.
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateMessageTokens sums the token estimate across messages, with a small
// per-message framing overhead.
func EstimateMessageTokens(model string, messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(model, m.Content) + 4
	}
	return total
}

// TrimHistory drops the oldest messages until the estimated token count fits
// the budget. The most recent message is always kept.
func TrimHistory(model string, messages []Message, budget int) []Message {
	if budget <= 0 || len(messages) == 0 {
		return messages
	}
	for len(messages) > 1 && EstimateMessageTokens(model, messages) > budget {
		messages = messages[1:]
	}
	return messages
}

// NormalizeStopReason maps vendor stop labels onto a small shared set.
func NormalizeStopReason(reason string) string {
	switch strings.ToLower(reason) {
	case "stop", "end_turn", "stop_sequence":
		return "stop"
	case "length", "max_tokens":
		return "length"
	case "content_filter", "refusal":
		return "content_filter"
	case "":
		return "stop"
	default:
		return strings.ToLower(reason)
	}
}
