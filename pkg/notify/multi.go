package notify

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// MultiNotifier fans a call out to every wrapped Notifier concurrently,
// so a deployment can run the Slack sink and the file sink side by
// side rather than picking one. Send/EnsureChannels fan out to all
// sinks; RequestApproval and UpdateLive only make sense against the
// sink that produced the original Handle, so they go to the first
// sink, which buildNotifier always places in priority order (Slack
// before the file fallback).
type MultiNotifier struct {
	sinks []Notifier
}

// NewMultiNotifier wraps sinks for concurrent fan-out. Panics if sinks
// is empty: a MultiNotifier with nothing to notify is a configuration
// mistake, not a valid degenerate case.
func NewMultiNotifier(sinks ...Notifier) *MultiNotifier {
	if len(sinks) == 0 {
		panic("notify: NewMultiNotifier requires at least one sink")
	}
	return &MultiNotifier{sinks: sinks}
}

// Send delivers msg to every sink concurrently, returning the first
// sink's Handle (the one RequestApproval/UpdateLive target) and the
// first error encountered, if any.
func (m *MultiNotifier) Send(ctx context.Context, channel ChannelKind, msg Message) (Handle, error) {
	handles := make([]Handle, len(m.sinks))
	g, gctx := errgroup.WithContext(ctx)
	for i, sink := range m.sinks {
		i, sink := i, sink
		g.Go(func() error {
			h, err := sink.Send(gctx, channel, msg)
			handles[i] = h
			return err
		})
	}
	err := g.Wait()
	return handles[0], err
}

// RequestApproval asks only the first configured sink, since an
// approval decision is inherently single-sourced: there is one answer,
// not one per channel.
func (m *MultiNotifier) RequestApproval(ctx context.Context, summary string, timeout time.Duration) (ApprovalDecision, error) {
	return m.sinks[0].RequestApproval(ctx, summary, timeout)
}

// UpdateLive edits the message on the sink that originally produced
// handle. MultiNotifier hands out the first sink's handle from Send,
// so that is where the edit is targeted too.
func (m *MultiNotifier) UpdateLive(ctx context.Context, handle Handle, content string) error {
	return m.sinks[0].UpdateLive(ctx, handle, content)
}

// EnsureChannels bootstraps layout on every sink concurrently.
func (m *MultiNotifier) EnsureChannels(ctx context.Context, layout []ChannelKind) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range m.sinks {
		sink := sink
		g.Go(func() error {
			return sink.EnsureChannels(gctx, layout)
		})
	}
	return g.Wait()
}
