package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FileSink is a Notifier that writes one JSON file per message under a
// root directory, and resolves approvals by polling for a decision file
// dropped next to the request. Grounded on the teacher's
// pkg/notification/delivery.FileDeliveryService (NT-BUG-006: directory
// and file write failures must be retryable, not fatal).
type FileSink struct {
	root string
	log  *logrus.Logger
}

// NewFileSink constructs a FileSink rooted at dir. Channels and
// approvals are written to dir/<channel>/ and dir/approvals/
// respectively; dir is created lazily on first write.
func NewFileSink(dir string, log *logrus.Logger) *FileSink {
	return &FileSink{root: dir, log: log}
}

func (s *FileSink) nextID() string {
	return uuid.NewString()
}

func (s *FileSink) Send(ctx context.Context, channel ChannelKind, msg Message) (Handle, error) {
	dir := filepath.Join(s.root, string(channel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", retryable("failed to create output directory", err)
	}

	id := s.nextID()
	payload := struct {
		ID        string            `json:"id"`
		Title     string            `json:"title"`
		Body      string            `json:"body"`
		Severity  string            `json:"severity"`
		Fields    map[string]string `json:"fields,omitempty"`
		Timestamp string            `json:"timestamp"`
	}{
		ID: id, Title: msg.Title, Body: msg.Body, Severity: msg.Severity,
		Fields: msg.Fields, Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}

	dest := filepath.Join(dir, id+".json")
	if err := writeFileAtomic(dest, data); err != nil {
		return "", retryable("failed to write temporary file", err)
	}

	return Handle(dest), nil
}

func (s *FileSink) UpdateLive(ctx context.Context, handle Handle, content string) error {
	path := string(handle)
	if path == "" {
		return fmt.Errorf("empty handle")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return retryable("failed to read message for update", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	payload["body"] = content
	payload["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	updated, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, updated); err != nil {
		return retryable("failed to write temporary file", err)
	}
	return nil
}

// RequestApproval writes a request file to the approvals channel and
// polls for a sibling "<id>.decision.json" file until timeout, returning
// a rejection when none arrives in time (spec.md §4.2).
func (s *FileSink) RequestApproval(ctx context.Context, summary string, timeout time.Duration) (ApprovalDecision, error) {
	handle, err := s.Send(ctx, ChannelApprovals, Message{Title: "approval requested", Body: summary})
	if err != nil {
		return ApprovalDecision{}, err
	}
	requestPath := string(handle)
	decisionPath := requestPath[:len(requestPath)-len(".json")] + ".decision.json"

	pollInterval := 2 * time.Second
	if timeout < pollInterval {
		pollInterval = timeout / 10
		if pollInterval <= 0 {
			pollInterval = time.Millisecond
		}
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if data, err := os.ReadFile(decisionPath); err == nil {
			var decision ApprovalDecision
			if err := json.Unmarshal(data, &decision); err == nil {
				return decision, nil
			}
		}
		if time.Now().After(deadline) {
			s.log.WithField("request", requestPath).Warn("approval request timed out, treating as rejected")
			return ApprovalDecision{Approved: false}, nil
		}
		select {
		case <-ctx.Done():
			return ApprovalDecision{Approved: false}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *FileSink) EnsureChannels(ctx context.Context, layout []ChannelKind) error {
	for _, ch := range layout {
		if err := os.MkdirAll(filepath.Join(s.root, string(ch)), 0o755); err != nil {
			return retryable("failed to create output directory", err)
		}
	}
	return nil
}

func writeFileAtomic(dest string, data []byte) error {
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}
