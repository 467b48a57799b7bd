package bus

// InboundMessage is a message notification pushed by the backend subprocess.
// The payload is taken as-is from the notification params; a message is
// consumed at most once by the bridge pipeline.
type InboundMessage struct {
	Text           string `json:"text"`
	Sender         string `json:"sender"`
	Handle         string `json:"handle,omitempty"`
	IsGroup        bool   `json:"is_group,omitempty"`
	ChatID         int64  `json:"chat_id,omitempty"`
	ChatGUID       string `json:"chat_guid,omitempty"`
	ChatIdentifier string `json:"chat_identifier,omitempty"`
	Service        string `json:"service,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// OutboundMessage is the params shape for the backend "send" method.
// Direct messages address by To (phone/email handle); group messages by
// whichever chat marker the inbound message carried.
type OutboundMessage struct {
	To             string `json:"to,omitempty"`
	Text           string `json:"text"`
	ChatID         int64  `json:"chat_id,omitempty"`
	ChatGUID       string `json:"chat_guid,omitempty"`
	ChatIdentifier string `json:"chat_identifier,omitempty"`
}
