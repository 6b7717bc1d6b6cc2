package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// WebhookSink 实现 live.SnapshotSink：每次 debounce 落库后把内容快照
// POST 给外部文档存储的回调地址。契约：
//
//	{ "room": <blockId>, "data": { <label>: { "type": ..., "content": ... } } }
//
// 投递失败由调用方记日志，不影响本地持久化。
type WebhookSink struct {
	url    string
	label  string
	client *http.Client
}

func NewWebhookSink(url, label string) *WebhookSink {
	if label == "" {
		label = "content"
	}
	return &WebhookSink{
		url:    url,
		label:  label,
		client: &http.Client{},
	}
}

type snapshotBody struct {
	Room string                     `json:"room"`
	Data map[string]snapshotContent `json:"data"`
}

type snapshotContent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (s *WebhookSink) Push(ctx context.Context, blockID string, revision uint64, content string) error {
	if s.url == "" {
		return nil
	}
	body := snapshotBody{
		Room: blockID,
		Data: map[string]snapshotContent{
			s.label: {Type: "text", Content: content},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("snapshot sink status %d for block %s rev %d", resp.StatusCode, blockID, revision)
	}
	return nil
}
