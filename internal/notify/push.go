package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushSender posts JSON to an HTTP push provider (FCM HTTP v1 style). The
// device token is resolved by the provider from the partner id topic.
type PushSender struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushSender(endpoint, key string) *PushSender {
	return &PushSender{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushSender) Notify(ctx context.Context, n Notification) error {
	body := map[string]any{
		"message": map[string]any{
			"topic":        "partner-" + n.PartnerID,
			"notification": map[string]string{"title": n.Title, "body": n.Body},
			"data": map[string]string{
				"assignment_id": n.AssignmentID,
				"order_id":      n.OrderID,
				"status":        string(n.Status),
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider returned %d", resp.StatusCode)
	}
	return nil
}
