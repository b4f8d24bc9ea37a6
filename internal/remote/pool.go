package remote

import (
	"context"
	"fmt"
	"sync"

	"bulkline/internal/repo"
)

// Pool caches one live client per account. Credentials are loaded from
// the store and decrypted only inside Get, immediately before dialing.
type Pool struct {
	Dialer Dialer
	Repo   repo.Repo
	Box    *repo.CredentialBox

	mu      sync.Mutex
	clients map[string]Client
}

func NewPool(dialer Dialer, r repo.Repo, box *repo.CredentialBox) *Pool {
	return &Pool{
		Dialer:  dialer,
		Repo:    r,
		Box:     box,
		clients: make(map[string]Client),
	}
}

// Get returns the cached client for an account, dialing lazily.
func (p *Pool) Get(ctx context.Context, accountID string) (Client, error) {
	p.mu.Lock()
	if c, ok := p.clients[accountID]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	account, err := p.Repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", accountID, err)
	}
	session, err := p.Box.Open(account.SessionCipher)
	if err != nil {
		return nil, fmt.Errorf("account %s credential: %w", accountID, err)
	}
	client, err := p.Dialer.Dial(ctx, Credentials{
		AccountID: account.ID,
		Phone:     account.Phone,
		Session:   session,
		APIID:     account.APIID,
		APIHash:   account.APIHash,
	})
	if err != nil {
		return nil, fmt.Errorf("dial account %s: %w", accountID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[accountID]; ok {
		// another goroutine won the dial race
		_ = client.Close()
		return existing, nil
	}
	p.clients[accountID] = client
	return client, nil
}

// Disconnect drops and closes the cached client for an account.
func (p *Pool) Disconnect(accountID string) error {
	p.mu.Lock()
	client, ok := p.clients[accountID]
	delete(p.clients, accountID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return client.Close()
}

// CloseAll closes every cached client. Used at shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]Client)
	p.mu.Unlock()
	for _, c := range clients {
		_ = c.Close()
	}
}
