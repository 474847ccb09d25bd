// Package channel maps raw conversation identifiers onto a session and channel.
package channel

import (
	"strings"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
)

// Sideband carries hints delivered next to the conversation identifier.
type Sideband struct {
	Channel string
}

var suffixes = []struct {
	marker string
	tag    conversation.ChannelTag
}{
	{"_channel_a", conversation.ChannelA},
	{"_channel_b", conversation.ChannelB},
	{"_ch_a", conversation.ChannelA},
	{"_ch_b", conversation.ChannelB},
}

// Resolve derives the session identity and channel tag for a conversation.
// A recognized suffix wins over the sideband; anything unrecognized resolves to
// the single channel. Resolve never fails.
func Resolve(rawConversationID string, sideband Sideband) (string, conversation.ChannelTag) {
	for _, s := range suffixes {
		base, ok := strings.CutSuffix(rawConversationID, s.marker)
		if ok && base != "" {
			return base, s.tag
		}
	}

	if tag, ok := conversation.ParseChannelTag(sideband.Channel); ok && tag.Dual() {
		return rawConversationID, tag
	}

	return rawConversationID, conversation.ChannelSingle
}

// KeyFor resolves the history key addressed by an event.
func KeyFor(ev conversation.Event) conversation.Key {
	sessionID, tag := Resolve(ev.ConversationID, Sideband{Channel: ev.SidebandChannel()})
	return conversation.Key{SessionID: sessionID, Channel: tag}
}
