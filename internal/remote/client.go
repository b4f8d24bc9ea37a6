package remote

import (
	"context"

	"bulkline/internal/domain"
)

// MemberPage is one page of a community member listing.
type MemberPage struct {
	Items      []domain.ExtractedItem
	NextOffset int
	HasMore    bool
}

// Client is the boundary to the remote social-messaging protocol. The
// wire format is opaque to this module; implementations live outside the
// execution core and tests substitute fakes.
type Client interface {
	// ListMembers pages through a source community's member list.
	ListMembers(ctx context.Context, sourceID string, offset, pageSize int) (MemberPage, error)
	// InviteMember adds a remote user to the target community.
	InviteMember(ctx context.Context, targetID, remoteUserID string) error
	// SendMessage delivers text to a target and returns the message id.
	SendMessage(ctx context.Context, targetID, text string) (string, error)
	// JoinCommunity joins the community behind an invite link.
	JoinCommunity(ctx context.Context, link string) error
	// SendLoginCode starts onboarding for a phone number.
	SendLoginCode(ctx context.Context, phoneNumber string) error
	// ConfirmLoginCode completes onboarding for a phone number.
	ConfirmLoginCode(ctx context.Context, phoneNumber, code, password string) error
	Close() error
}

// Credentials carries everything needed to dial one account's client.
// Session is the decrypted credential; it must not be persisted.
type Credentials struct {
	AccountID string
	Phone     string
	Session   string
	APIID     string
	APIHash   string
}

// Dialer builds a connected Client from account credentials.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, creds Credentials) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, creds Credentials) (Client, error) {
	return f(ctx, creds)
}
