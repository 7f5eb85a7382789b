package crm

import (
	"strings"
)

// DefaultBotAttribute is the contact custom attribute that stores the bot
// on/off switch.
const DefaultBotAttribute = "bot_status"

// BotState is derived from a contact custom attribute.
type BotState string

const (
	BotOn  BotState = "on"
	BotOff BotState = "off"
)

// BotStateOf maps a paused flag to a state.
func BotStateOf(paused bool) BotState {
	if paused {
		return BotOff
	}
	return BotOn
}

// Paused reports whether automated replies are switched off.
func (s BotState) Paused() bool { return s == BotOff }

// BotStateFrom reads the bot state stored under key. Absent or unrecognized
// values mean the bot is on.
func BotStateFrom(attrs map[string]any, key string) BotState {
	if key == "" {
		key = DefaultBotAttribute
	}
	v, ok := attrs[key]
	if !ok {
		return BotOn
	}
	switch t := v.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "off", "false", "paused", "0":
			return BotOff
		}
	case bool:
		if !t {
			return BotOff
		}
	}
	return BotOn
}

// WithBotState returns a copy of attrs with key set to state. Every other
// attribute is preserved.
func WithBotState(attrs map[string]any, key string, state BotState) map[string]any {
	if key == "" {
		key = DefaultBotAttribute
	}
	out := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out[key] = string(state)
	return out
}
