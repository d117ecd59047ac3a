package presence

import (
	"fmt"
	"strconv"
	"strings"
)

// Key identifies one live share: the chat it was posted in and the id of the
// message carrying the location.
type Key struct {
	ChatID    int64
	MessageID int
}

func (k Key) String() string {
	return strconv.FormatInt(k.ChatID, 10) + ":" + strconv.Itoa(k.MessageID)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	chat, msg, ok := strings.Cut(s, ":")
	if !ok || chat == "" || msg == "" || strings.Contains(msg, ":") {
		return Key{}, fmt.Errorf("invalid session key %q", s)
	}

	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("invalid chat id in session key %q: %w", s, err)
	}
	messageID, err := strconv.Atoi(msg)
	if err != nil {
		return Key{}, fmt.Errorf("invalid message id in session key %q: %w", s, err)
	}

	return Key{ChatID: chatID, MessageID: messageID}, nil
}
