package remote_test

import (
	"bytes"
	"context"
	"testing"

	"bulkline/internal/db"
	"bulkline/internal/domain"
	"bulkline/internal/migrate"
	"bulkline/internal/remote"
	"bulkline/internal/repo"
)

type closeClient struct {
	closed bool
}

func (c *closeClient) ListMembers(ctx context.Context, sourceID string, offset, pageSize int) (remote.MemberPage, error) {
	return remote.MemberPage{}, nil
}
func (c *closeClient) InviteMember(ctx context.Context, targetID, remoteUserID string) error {
	return nil
}
func (c *closeClient) SendMessage(ctx context.Context, targetID, text string) (string, error) {
	return "", nil
}
func (c *closeClient) JoinCommunity(ctx context.Context, link string) error        { return nil }
func (c *closeClient) SendLoginCode(ctx context.Context, phoneNumber string) error { return nil }
func (c *closeClient) ConfirmLoginCode(ctx context.Context, phoneNumber, code, password string) error {
	return nil
}
func (c *closeClient) Close() error {
	c.closed = true
	return nil
}

func newStore(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestGetDecryptsCredentialAndCachesClient(t *testing.T) {
	store := newStore(t)
	key := bytes.Repeat([]byte{0x07}, 32)
	box, err := repo.NewCredentialBox(key)
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	cipher, err := box.Seal("the-session")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := store.InsertAccount(context.Background(), domain.Account{
		ID: "acct", Phone: "+15550001111", SessionCipher: cipher,
	}); err != nil {
		t.Fatalf("insert account: %v", err)
	}

	dials := 0
	var seen remote.Credentials
	dialer := remote.DialerFunc(func(ctx context.Context, creds remote.Credentials) (remote.Client, error) {
		dials++
		seen = creds
		return &closeClient{}, nil
	})
	pool := remote.NewPool(dialer, store, box)

	first, err := pool.Get(context.Background(), "acct")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if seen.Session != "the-session" {
		t.Fatalf("dialer got session %q, want decrypted plaintext", seen.Session)
	}
	if seen.AccountID != "acct" || seen.Phone != "+15550001111" {
		t.Fatalf("unexpected credentials %+v", seen)
	}

	second, err := pool.Get(context.Background(), "acct")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if dials != 1 {
		t.Fatalf("dials = %d, want 1 (cached)", dials)
	}
	if first != second {
		t.Fatal("cached client should be reused")
	}
}

func TestGetUnknownAccountFails(t *testing.T) {
	store := newStore(t)
	box, _ := repo.NewCredentialBox(nil)
	pool := remote.NewPool(remote.DialerFunc(func(ctx context.Context, creds remote.Credentials) (remote.Client, error) {
		t.Fatal("must not dial for unknown account")
		return nil, nil
	}), store, box)

	if _, err := pool.Get(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestDisconnectClosesCachedClient(t *testing.T) {
	store := newStore(t)
	box, _ := repo.NewCredentialBox(nil)
	if err := store.InsertAccount(context.Background(), domain.Account{
		ID: "acct", Phone: "+15550001111", SessionCipher: "plain",
	}); err != nil {
		t.Fatalf("insert account: %v", err)
	}
	client := &closeClient{}
	dials := 0
	pool := remote.NewPool(remote.DialerFunc(func(ctx context.Context, creds remote.Credentials) (remote.Client, error) {
		dials++
		return client, nil
	}), store, box)

	if _, err := pool.Get(context.Background(), "acct"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := pool.Disconnect("acct"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !client.closed {
		t.Fatal("disconnect should close the client")
	}
	// Disconnecting an account with no live client is a no-op.
	if err := pool.Disconnect("acct"); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}

	if _, err := pool.Get(context.Background(), "acct"); err != nil {
		t.Fatalf("redial: %v", err)
	}
	if dials != 2 {
		t.Fatalf("dials = %d, want redial after disconnect", dials)
	}
}
