package registry

import (
	"sort"
	"time"
)

// Presence describes one live connection for discovery and the admin endpoint.
type Presence struct {
	ChatID      string    `json:"chatId"`
	UserID      string    `json:"userId"`
	ClientID    string    `json:"clientId"`
	Open        bool      `json:"open"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Snapshot lists every registered connection, ordered by chat, user and client.
func (r *Registry) Snapshot() []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Presence, 0, len(r.clients))
	for _, users := range r.chats {
		for _, byClient := range users {
			for _, conn := range byClient {
				out = append(out, Presence{
					ChatID:      conn.ChatID,
					UserID:      conn.UserID,
					ClientID:    conn.ClientID,
					Open:        conn.Transport.Open(),
					ConnectedAt: conn.ConnectedAt,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}
