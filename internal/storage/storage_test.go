package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/crypto/seal"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQL(context.Background(), SQLOptions{
		Driver: DriverSQLite,
		DSN:    "file:" + filepath.Join(t.TempDir(), "sealroom.db") + "?_busy_timeout=5000",
		Log:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func seedChat(t *testing.T, store Store, chatID string, users ...string) []chat.Participant {
	t.Helper()
	var out []chat.Participant
	err := store.Atomically(context.Background(), func(tx Tx) error {
		if err := tx.CreateChat(context.Background(), chat.Chat{ID: chatID, Name: "room", Salt: bytes.Repeat([]byte{9}, chat.SaltSize), CreatedAt: t0}); err != nil {
			return err
		}
		for i, u := range users {
			role := chat.RoleParticipant
			if i == 0 {
				role = chat.RoleAdmin
			}
			p := chat.Participant{
				ID:                 chatID + "-" + u,
				ChatID:             chatID,
				UserID:             u,
				Role:               role,
				SigningPublicKey:   bytes.Repeat([]byte{byte(i + 1)}, 32),
				AgreementPublicKey: bytes.Repeat([]byte{byte(i + 10)}, 32),
				CreatedAt:          t0.Add(time.Duration(i) * time.Second),
			}
			if err := tx.InsertParticipant(context.Background(), p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestChatsAndParticipants(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seeded := seedChat(t, store, "chat-1", "alice", "bob")

			require.NoError(t, store.Atomically(ctx, func(tx Tx) error {
				c, err := tx.Chat(ctx, "chat-1")
				require.NoError(t, err)
				assert.Equal(t, "room", c.Name)
				assert.Len(t, c.Salt, chat.SaltSize)
				assert.True(t, c.CreatedAt.Equal(t0))

				alice, err := tx.Participant(ctx, "chat-1", "alice")
				require.NoError(t, err)
				assert.Equal(t, chat.RoleAdmin, alice.Role)
				assert.Equal(t, seeded[0].SigningPublicKey, alice.SigningPublicKey)

				bob, err := tx.ParticipantByID(ctx, seeded[1].ID)
				require.NoError(t, err)
				assert.Equal(t, "bob", bob.UserID)

				all, err := tx.Participants(ctx, "chat-1")
				require.NoError(t, err)
				require.Len(t, all, 2)
				assert.Equal(t, "alice", all[0].UserID)
				assert.Equal(t, "bob", all[1].UserID)
				return nil
			}))

			err := store.Atomically(ctx, func(tx Tx) error {
				_, err := tx.Participant(ctx, "chat-1", "carol")
				return err
			})
			assert.ErrorIs(t, err, chat.ErrNotFound)

			err = store.Atomically(ctx, func(tx Tx) error {
				_, err := tx.Chat(ctx, "nope")
				return err
			})
			assert.ErrorIs(t, err, chat.ErrNotFound)
		})
	}
}

func TestOneParticipantPerUserAndChat(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedChat(t, store, "chat-1", "alice")

			err := store.Atomically(ctx, func(tx Tx) error {
				return tx.InsertParticipant(ctx, chat.Participant{
					ID: "dup", ChatID: "chat-1", UserID: "alice", Role: chat.RoleParticipant,
					SigningPublicKey: make([]byte, 32), AgreementPublicKey: make([]byte, 32), CreatedAt: t0,
				})
			})
			assert.ErrorIs(t, err, chat.ErrAlreadyMember)

			err = store.Atomically(ctx, func(tx Tx) error {
				return tx.InsertParticipant(ctx, chat.Participant{
					ID: "ghost", ChatID: "no-chat", UserID: "alice", Role: chat.RoleParticipant,
					SigningPublicKey: make([]byte, 32), AgreementPublicKey: make([]byte, 32), CreatedAt: t0,
				})
			})
			assert.ErrorIs(t, err, chat.ErrNotFound)
		})
	}
}

func TestAtomicallyRollsBackOnError(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seeded := seedChat(t, store, "chat-1", "alice", "bob")
			boom := errors.New("boom")

			err := store.Atomically(ctx, func(tx Tx) error {
				require.NoError(t, tx.InsertMessage(ctx, chat.SealedMessage{
					ID: "m-1", ChatID: "chat-1", SenderID: seeded[0].ID, RecipientID: seeded[1].ID,
					Sealed: sampleSealed(), CreatedAt: t0,
				}))
				return boom
			})
			assert.ErrorIs(t, err, boom)

			require.NoError(t, store.Atomically(ctx, func(tx Tx) error {
				msgs, err := tx.MessagesFor(ctx, seeded[1].ID, 0)
				require.NoError(t, err)
				assert.Empty(t, msgs)
				return nil
			}))
		})
	}
}

func TestMessagesForAndMarkDelivered(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seeded := seedChat(t, store, "chat-1", "alice", "bob", "carol")

			require.NoError(t, store.Atomically(ctx, func(tx Tx) error {
				for i, rcpt := range []chat.Participant{seeded[1], seeded[2], seeded[1]} {
					if err := tx.InsertMessage(ctx, chat.SealedMessage{
						ID: "m-" + string(rune('a'+i)), ChatID: "chat-1", SenderID: seeded[0].ID, RecipientID: rcpt.ID,
						Sealed: sampleSealed(), CreatedAt: t0.Add(time.Duration(i) * time.Minute),
					}); err != nil {
						return err
					}
				}
				return nil
			}))

			require.NoError(t, store.Atomically(ctx, func(tx Tx) error {
				msgs, err := tx.MessagesFor(ctx, seeded[1].ID, 0)
				require.NoError(t, err)
				require.Len(t, msgs, 2)
				assert.Equal(t, "m-a", msgs[0].ID)
				assert.Equal(t, "m-c", msgs[1].ID)
				assert.Equal(t, sampleSealed(), msgs[0].Sealed)
				assert.Nil(t, msgs[0].DeliveredAt)

				latest, err := tx.MessagesFor(ctx, seeded[1].ID, 1)
				require.NoError(t, err)
				require.Len(t, latest, 1)
				assert.Equal(t, "m-c", latest[0].ID)

				return tx.MarkDelivered(ctx, "m-a", t0.Add(time.Hour))
			}))

			require.NoError(t, store.Atomically(ctx, func(tx Tx) error {
				msgs, err := tx.MessagesFor(ctx, seeded[1].ID, 0)
				require.NoError(t, err)
				require.NotNil(t, msgs[0].DeliveredAt)
				assert.True(t, msgs[0].DeliveredAt.Equal(t0.Add(time.Hour)))
				return nil
			}))

			err := store.Atomically(ctx, func(tx Tx) error {
				return tx.MarkDelivered(ctx, "missing", t0)
			})
			assert.ErrorIs(t, err, chat.ErrNotFound)
		})
	}
}

func TestInvitationLifecycle(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seeded := seedChat(t, store, "chat-1", "alice")

			inv := chat.Invitation{
				ID: "inv-1", ChatID: "chat-1", InvitedUserID: "bob", InviterID: seeded[0].ID, Role: chat.RoleParticipant,
				InviterSigningPublicKey: seeded[0].SigningPublicKey, InviterAgreementPublicKey: seeded[0].AgreementPublicKey,
				PreKey:    &chat.PreKey{ID: 7, PublicKey: bytes.Repeat([]byte{4}, 32), Signature: bytes.Repeat([]byte{5}, 64)},
				CreatedAt: t0,
			}
			require.NoError(t, store.Atomically(ctx, func(tx Tx) error { return tx.InsertInvitation(ctx, inv) }))

			dup := inv
			dup.ID = "inv-2"
			err := store.Atomically(ctx, func(tx Tx) error { return tx.InsertInvitation(ctx, dup) })
			assert.ErrorIs(t, err, chat.ErrAlreadyMember)

			require.NoError(t, store.Atomically(ctx, func(tx Tx) error {
				got, err := tx.Invitation(ctx, "inv-1")
				require.NoError(t, err)
				require.NotNil(t, got.PreKey)
				assert.Equal(t, uint64(7), got.PreKey.ID)
				assert.Equal(t, inv.PreKey.Signature, got.PreKey.Signature)

				pending, err := tx.InvitationsFor(ctx, "bob")
				require.NoError(t, err)
				require.Len(t, pending, 1)

				sent, err := tx.InvitationsFrom(ctx, seeded[0].ID)
				require.NoError(t, err)
				require.Len(t, sent, 1)
				assert.Equal(t, "inv-1", sent[0].ID)
				none, err := tx.InvitationsFrom(ctx, "someone-else")
				require.NoError(t, err)
				assert.Empty(t, none)

				return tx.DeleteInvitation(ctx, "inv-1")
			}))

			err = store.Atomically(ctx, func(tx Tx) error { return tx.DeleteInvitation(ctx, "inv-1") })
			assert.ErrorIs(t, err, chat.ErrNotFound)
			err = store.Atomically(ctx, func(tx Tx) error {
				_, err := tx.Invitation(ctx, "inv-1")
				return err
			})
			assert.ErrorIs(t, err, chat.ErrNotFound)
		})
	}
}

func TestDeleteParticipant(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedChat(t, store, "chat-1", "alice", "bob")

			require.NoError(t, store.Atomically(ctx, func(tx Tx) error { return tx.DeleteParticipant(ctx, "chat-1", "bob") }))
			err := store.Atomically(ctx, func(tx Tx) error { return tx.DeleteParticipant(ctx, "chat-1", "bob") })
			assert.ErrorIs(t, err, chat.ErrNotFound)
		})
	}
}

func TestOpenSQLRejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQL(context.Background(), SQLOptions{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestRebindPostgres(t *testing.T) {
	tx := &sqlTx{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM b WHERE c = $1 AND d = $2", tx.rebind("SELECT a FROM b WHERE c = ? AND d = ?"))
	lite := &sqlTx{driver: DriverSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestPostgresParticipantLookupsTakeShareLock(t *testing.T) {
	pg := &sqlTx{driver: DriverPostgres}
	lite := &sqlTx{driver: DriverSQLite}
	for _, q := range []string{selectParticipantByUser, selectParticipantByID, selectParticipants} {
		got := pg.rebind(pg.forShare(q))
		assert.True(t, strings.HasSuffix(got, " FOR SHARE"), got)
		assert.NotContains(t, got, "?")
		assert.Equal(t, q, lite.rebind(lite.forShare(q)))
	}
}

func sampleSealed() seal.Sealed {
	return seal.Sealed{
		EphemeralPublicKey: bytes.Repeat([]byte{1}, 32),
		Ciphertext:         bytes.Repeat([]byte{2}, 48),
		Signature:          bytes.Repeat([]byte{3}, 64),
	}
}
