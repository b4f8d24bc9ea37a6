package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"bulkline/internal/domain"
	"bulkline/internal/remote"
)

func newRunID() string { return uuid.New().String() }

// finishLoop maps a mutation-loop outcome to the handler return contract.
func finishLoop(result domain.JobResult, stopErr error) (string, error) {
	if stopErr != nil {
		if errors.Is(stopErr, ErrCancelled) {
			return marshalResult(result), ErrCancelled
		}
		return marshalResult(result), stopErr
	}
	return marshalResult(result), nil
}

func (e *Engine) handleSendMessages(ctx context.Context, job domain.Job) (string, error) {
	var p domain.SendMessagesPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return "", fatal("send-messages payload: %v", err)
	}
	if err := p.Validate(); err != nil {
		return "", fatal("send-messages payload: %v", err)
	}
	client, err := e.Pool.Get(ctx, p.AccountID)
	if err != nil {
		return "", err
	}
	startedAt := e.now()
	loop := mutationLoop{
		jobID:      job.ID,
		accountID:  p.AccountID,
		kind:       "message.send",
		delay:      e.configuredDelay(p.DelayMs),
		progressTo: 100,
	}
	success, failed, stopErr := e.runItems(ctx, loop, len(p.UserIDs), func(i int) (domain.OperationResult, string) {
		target := p.UserIDs[i]
		return e.Mutator.SendMessage(ctx, client, p.AccountID, target, p.MessageTemplate), target
	})
	e.writeRun(ctx, job.ID, p.AccountID, string(domain.JobSendMessages), len(p.UserIDs), success, failed, startedAt)
	return finishLoop(domain.JobResult{SuccessCount: success, FailedCount: failed, AutoRepeat: p.AutoRepeat}, stopErr)
}

func (e *Engine) handleJoinCommunities(ctx context.Context, job domain.Job) (string, error) {
	var p domain.JoinCommunitiesPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return "", fatal("join-communities payload: %v", err)
	}
	if err := p.Validate(); err != nil {
		return "", fatal("join-communities payload: %v", err)
	}
	client, err := e.Pool.Get(ctx, p.AccountID)
	if err != nil {
		return "", err
	}
	startedAt := e.now()
	loop := mutationLoop{
		jobID:      job.ID,
		accountID:  p.AccountID,
		kind:       "community.join",
		delay:      e.configuredDelay(p.DelayMs),
		progressTo: 100,
	}
	success, failed, stopErr := e.runItems(ctx, loop, len(p.GroupLinks), func(i int) (domain.OperationResult, string) {
		link := p.GroupLinks[i]
		return e.Mutator.Join(ctx, client, p.AccountID, link), link
	})
	e.writeRun(ctx, job.ID, p.AccountID, string(domain.JobJoinCommunities), len(p.GroupLinks), success, failed, startedAt)
	return finishLoop(domain.JobResult{SuccessCount: success, FailedCount: failed}, stopErr)
}

func (e *Engine) handleAddMembers(ctx context.Context, job domain.Job) (string, error) {
	var p domain.AddMembersPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return "", fatal("add-members payload: %v", err)
	}
	if err := p.Validate(); err != nil {
		return "", fatal("add-members payload: %v", err)
	}
	client, err := e.Pool.Get(ctx, p.AccountID)
	if err != nil {
		return "", err
	}
	startedAt := e.now()
	loop := mutationLoop{
		jobID:      job.ID,
		accountID:  p.AccountID,
		kind:       "member.invite",
		delay:      e.configuredDelay(p.DelayMs),
		progressTo: 100,
	}
	success, failed, stopErr := e.runItems(ctx, loop, len(p.UserIDs), func(i int) (domain.OperationResult, string) {
		userID := p.UserIDs[i]
		item := domain.ExtractedItem{RemoteID: userID}
		return e.Mutator.Invite(ctx, client, p.AccountID, p.GroupID, item), userID
	})
	e.writeRun(ctx, job.ID, p.AccountID, string(domain.JobAddMembers), len(p.UserIDs), success, failed, startedAt)
	return finishLoop(domain.JobResult{SuccessCount: success, FailedCount: failed}, stopErr)
}

func (e *Engine) handleLoginCodes(ctx context.Context, job domain.Job, confirm bool) (string, error) {
	var p domain.LoginCodesPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return "", fatal("login-codes payload: %v", err)
	}
	if err := p.Validate(); err != nil {
		return "", fatal("login-codes payload: %v", err)
	}
	// Onboarding jobs may run before any stored account exists; in that
	// case dial a sessionless client instead of going through the pool.
	accountID := p.AccountID
	var (
		client remote.Client
		err    error
	)
	if accountID != "" {
		client, err = e.Pool.Get(ctx, accountID)
	} else {
		accountID = "onboarding"
		client, err = e.Pool.Dialer.Dial(ctx, remote.Credentials{})
	}
	if err != nil {
		return "", err
	}
	kind := "login.send"
	jobKind := domain.JobSendLoginCodes
	if confirm {
		kind = "login.confirm"
		jobKind = domain.JobConfirmLoginCodes
	}
	startedAt := e.now()
	loop := mutationLoop{
		jobID:      job.ID,
		accountID:  accountID,
		kind:       kind,
		delay:      e.configuredDelay(p.DelayMs),
		progressTo: 100,
	}
	success, failed, stopErr := e.runItems(ctx, loop, len(p.Items), func(i int) (domain.OperationResult, string) {
		item := p.Items[i]
		if confirm {
			return e.Mutator.ConfirmLoginCode(ctx, client, accountID, item), item.PhoneNumber
		}
		return e.Mutator.SendLoginCode(ctx, client, accountID, item.PhoneNumber), item.PhoneNumber
	})
	e.writeRun(ctx, job.ID, accountID, string(jobKind), len(p.Items), success, failed, startedAt)
	return finishLoop(domain.JobResult{SuccessCount: success, FailedCount: failed}, stopErr)
}
