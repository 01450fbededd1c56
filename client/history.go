package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// LoadHistory fetches the room's persisted chat history from the relay's
// rooms API and merges it into the local chat log. Live entries already in
// the log win over their persisted copies; the returned count is how many
// history entries were new.
func (c *Client) LoadHistory(ctx context.Context) (int, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return 0, fmt.Errorf("invalid signaling url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/api/rooms/" + url.PathEscape(c.cfg.RoomCode) + "/messages"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch chat history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("chat history endpoint returned %s", resp.Status)
	}

	var body struct {
		Messages []struct {
			ID         string    `json:"messageId"`
			AuthorName string    `json:"authorName"`
			Text       string    `json:"text"`
			SentAt     time.Time `json:"sentAt"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode chat history: %w", err)
	}

	history := make([]ChatMessage, 0, len(body.Messages))
	for _, m := range body.Messages {
		history = append(history, ChatMessage{
			ID:        m.ID,
			Author:    m.AuthorName,
			Body:      m.Text,
			Timestamp: m.SentAt.UnixMilli(),
		})
	}
	return c.chat.MergeHistory(history), nil
}
