package mutate

import (
	"context"

	"bulkline/internal/domain"
	"bulkline/internal/remote"
	"bulkline/internal/safety"
)

// Mutator applies one rate-gated mutation per item. Every call consults
// the safety gate first and reports its outcome back, success or not.
type Mutator struct {
	Gate *safety.Gate
}

func New(gate *safety.Gate) *Mutator {
	return &Mutator{Gate: gate}
}

// Invite adds one extracted item to the target community.
func (m *Mutator) Invite(ctx context.Context, client remote.Client, accountID, targetID string, item domain.ExtractedItem) domain.OperationResult {
	return m.apply(accountID, safety.OpInvite, func() error {
		return client.InviteMember(ctx, targetID, item.RemoteID)
	})
}

// SendMessage delivers one templated message to a target user.
func (m *Mutator) SendMessage(ctx context.Context, client remote.Client, accountID, targetID, text string) domain.OperationResult {
	return m.apply(accountID, safety.OpMessage, func() error {
		_, err := client.SendMessage(ctx, targetID, text)
		return err
	})
}

// Join joins one community link.
func (m *Mutator) Join(ctx context.Context, client remote.Client, accountID, link string) domain.OperationResult {
	return m.apply(accountID, safety.OpJoin, func() error {
		return client.JoinCommunity(ctx, link)
	})
}

// SendLoginCode starts onboarding for one phone number.
func (m *Mutator) SendLoginCode(ctx context.Context, client remote.Client, accountID, phone string) domain.OperationResult {
	return m.apply(accountID, safety.OpLogin, func() error {
		return client.SendLoginCode(ctx, phone)
	})
}

// ConfirmLoginCode completes onboarding for one phone number.
func (m *Mutator) ConfirmLoginCode(ctx context.Context, client remote.Client, accountID string, item domain.LoginCodeItem) domain.OperationResult {
	return m.apply(accountID, safety.OpLogin, func() error {
		return client.ConfirmLoginCode(ctx, item.PhoneNumber, item.Code, item.Password)
	})
}

// apply runs the gate check, the remote call, and the result recording.
// A gate denial returns immediately with the suggested wait and burns
// neither a remote call nor a failure against the account.
func (m *Mutator) apply(accountID string, op safety.Operation, call func() error) domain.OperationResult {
	decision := m.Gate.Check(accountID, op)
	if !decision.Allowed {
		return domain.OperationResult{
			Success: false,
			WaitMs:  decision.WaitMs,
		}
	}

	err := call()
	if err == nil {
		m.Gate.Record(accountID, op, true, domain.ErrKindNone, 0)
		return domain.OperationResult{Success: true}
	}

	kind := Classify(err.Error())
	wait := SuggestedWait(err.Error())
	m.Gate.Record(accountID, op, false, kind, wait)
	return domain.OperationResult{
		Success:   false,
		ErrorKind: kind,
		ErrorText: err.Error(),
		WaitMs:    wait.Milliseconds(),
	}
}
