package app

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"gearhub/cmd/internal/push"
	"gearhub/cmd/internal/realtime"
	v1 "gearhub/shared/contracts/realtime/v1"
)

// devNotifyRequest describes one synthetic domain event.
type devNotifyRequest struct {
	UserID        string    `json:"user_id"`
	Type          string    `json:"type"`
	ResourceID    string    `json:"resource_id"`
	Item          string    `json:"item"`
	Sender        string    `json:"sender"`
	Preview       string    `json:"preview"`
	StartsAt      time.Time `json:"starts_at"`
	OldPriceCents int64     `json:"old_price_cents"`
	NewPriceCents int64     `json:"new_price_cents"`
	Currency      string    `json:"currency"`
	// Push also sends the event through the push registration server.
	Push bool `json:"push"`
}

type devNotifyResponse struct {
	Delivered int `json:"delivered"`
	Pushed    int `json:"pushed"`
}

// devNotifyHandler publishes a synthetic notification to the in-process hub
// and, optionally, to push. It only exists when the realtime transport is the
// in-process hub.
func devNotifyHandler(log Logger, hub *realtime.Hub, pusher *push.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req devNotifyRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		req.UserID = strings.TrimSpace(req.UserID)
		if req.UserID == "" || strings.TrimSpace(req.Type) == "" {
			http.Error(w, "user_id and type are required", http.StatusBadRequest)
			return
		}

		ev := push.Event{
			Type:          req.Type,
			ResourceID:    req.ResourceID,
			Item:          req.Item,
			Sender:        req.Sender,
			Preview:       req.Preview,
			StartsAt:      req.StartsAt,
			OldPriceCents: req.OldPriceCents,
			NewPriceCents: req.NewPriceCents,
			Currency:      req.Currency,
		}
		p := push.BuildPayload(ev)
		var data json.RawMessage
		if len(p.Data) > 0 {
			b, err := json.Marshal(p.Data)
			if err != nil {
				http.Error(w, "encode payload", http.StatusInternalServerError)
				return
			}
			data = b
		}

		delivered, err := hub.Notify(v1.NotificationPayload{
			UserID: req.UserID,
			Type:   req.Type,
			Title:  p.Title,
			Body:   p.Body,
			Data:   data,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var pushed int
		if req.Push && pusher != nil {
			if pushed, err = pusher.Notify(r.Context(), []string{req.UserID}, ev); err != nil {
				log.Warn("dev.notify.push.fail", "user_id", req.UserID, "err", err)
			}
		}

		log.Info("dev.notify", "user_id", req.UserID, "type", req.Type, "delivered", delivered, "pushed", pushed)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(devNotifyResponse{Delivered: delivered, Pushed: pushed})
	}
}
