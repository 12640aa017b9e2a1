package chat

import (
	"context"
	"errors"

	"github.com/LucetTin5/chzzk-timeline/discovery"
)

// Recorder receives session lifecycle and chat events. Implementations must be safe for
// concurrent use; sessions log returned errors and keep running.
type Recorder interface {
	SessionOpened(ctx context.Context, sessionID string, rc discovery.ReadyChannel) error
	Chat(ctx context.Context, ev Event) error
	SessionClosed(ctx context.Context, sessionID, channelID, reason string) error
}

// Discard drops everything.
type Discard struct{}

func (Discard) SessionOpened(context.Context, string, discovery.ReadyChannel) error { return nil }
func (Discard) Chat(context.Context, Event) error                                   { return nil }
func (Discard) SessionClosed(context.Context, string, string, string) error         { return nil }

// Multi fans every call out to all recorders and joins their errors.
type Multi []Recorder

func (m Multi) SessionOpened(ctx context.Context, sessionID string, rc discovery.ReadyChannel) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.SessionOpened(ctx, sessionID, rc))
	}
	return errors.Join(errs...)
}

func (m Multi) Chat(ctx context.Context, ev Event) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Chat(ctx, ev))
	}
	return errors.Join(errs...)
}

func (m Multi) SessionClosed(ctx context.Context, sessionID, channelID, reason string) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.SessionClosed(ctx, sessionID, channelID, reason))
	}
	return errors.Join(errs...)
}
