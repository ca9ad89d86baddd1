package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// FCMNotifier posts events as data messages to an FCM HTTPv1 endpoint using
// a server key or oauth token.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) Notify(providerID string, ev Event) {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"token": providerID,
			"data": map[string]string{
				"type":       ev.Type,
				"request_id": ev.RequestID,
				"reason":     ev.Reason,
			},
		},
	}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	if resp, err := f.Client.Do(req); err == nil {
		_ = resp.Body.Close()
	}
}
