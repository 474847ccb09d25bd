package conversation

import "time"

// Session captures one logical call and the channels registered on it, in
// registration order.
type Session struct {
	ID        string       `json:"id"`
	StartTime time.Time    `json:"startTime"`
	Channels  []ChannelTag `json:"channels"`
}
