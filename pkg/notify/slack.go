package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
)

// SlackSink is a Notifier backed by the Slack Web API: one Slack channel
// per logical ChannelKind, approvals resolved by watching for a
// checkmark/cross reaction on the request message.
type SlackSink struct {
	client   *slack.Client
	log      *logrus.Logger
	channels map[ChannelKind]string
}

// NewSlackSink constructs a SlackSink. channels maps each logical
// ChannelKind the core addresses to a concrete Slack channel ID; entries
// missing from the map are filled in lazily by EnsureChannels.
func NewSlackSink(token string, channels map[ChannelKind]string, log *logrus.Logger) *SlackSink {
	if channels == nil {
		channels = make(map[ChannelKind]string)
	}
	return &SlackSink{client: slack.New(token), log: log, channels: channels}
}

func (s *SlackSink) resolve(channel ChannelKind) (string, error) {
	id, ok := s.channels[channel]
	if !ok || id == "" {
		return "", fmt.Errorf("no slack channel configured for %q", channel)
	}
	return id, nil
}

func (s *SlackSink) Send(ctx context.Context, channel ChannelKind, msg Message) (Handle, error) {
	channelID, err := s.resolve(channel)
	if err != nil {
		return "", err
	}

	text := renderMessage(msg)
	_, timestamp, err := s.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return "", retryable("failed to post slack message", err)
	}
	return Handle(channelID + "|" + timestamp), nil
}

func (s *SlackSink) UpdateLive(ctx context.Context, handle Handle, content string) error {
	channelID, timestamp, err := splitHandle(handle)
	if err != nil {
		return err
	}
	_, _, _, err = s.client.UpdateMessageContext(ctx, channelID, timestamp, slack.MsgOptionText(content, false))
	if err != nil {
		return retryable("failed to update slack message", err)
	}
	return nil
}

// RequestApproval posts the plan summary and polls the message's
// reactions for a thumbsup (approve) or thumbsdown (reject) until
// timeout, returning a rejection on timeout per spec.md §4.2.
func (s *SlackSink) RequestApproval(ctx context.Context, summary string, timeout time.Duration) (ApprovalDecision, error) {
	handle, err := s.Send(ctx, ChannelApprovals, Message{Title: "approval requested", Body: summary})
	if err != nil {
		return ApprovalDecision{}, err
	}
	channelID, timestamp, err := splitHandle(handle)
	if err != nil {
		return ApprovalDecision{}, err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	ref := slack.NewRefToMessage(channelID, timestamp)
	for {
		reactions, err := s.client.GetReactionsContext(ctx, ref, slack.GetReactionsParameters{})
		if err == nil {
			for _, r := range reactions {
				switch r.Name {
				case "thumbsup", "white_check_mark":
					approver := ""
					if len(r.Users) > 0 {
						approver = r.Users[0]
					}
					return ApprovalDecision{Approved: true, Approver: approver}, nil
				case "thumbsdown", "x":
					return ApprovalDecision{Approved: false}, nil
				}
			}
		}

		if time.Now().After(deadline) {
			s.log.WithField("channel", channelID).Warn("approval request timed out, treating as rejected")
			return ApprovalDecision{Approved: false}, nil
		}
		select {
		case <-ctx.Done():
			return ApprovalDecision{Approved: false}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *SlackSink) EnsureChannels(ctx context.Context, layout []ChannelKind) error {
	for _, ch := range layout {
		if _, ok := s.channels[ch]; ok {
			continue
		}
		params := slack.CreateConversationParams{ChannelName: sanitizeChannelName(string(ch))}
		channel, err := s.client.CreateConversationContext(ctx, params)
		if err != nil {
			return retryable("failed to create slack channel", err)
		}
		s.channels[ch] = channel.ID
	}
	return nil
}

func renderMessage(msg Message) string {
	text := msg.Title
	if msg.Body != "" {
		text += "\n" + msg.Body
	}
	for k, v := range msg.Fields {
		text += fmt.Sprintf("\n*%s*: %s", k, v)
	}
	return text
}

func splitHandle(h Handle) (channelID, timestamp string, err error) {
	s := string(h)
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed slack handle %q", h)
}

func sanitizeChannelName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
