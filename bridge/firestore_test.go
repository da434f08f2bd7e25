package bridge

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/klipach/firebridge/contract"
	"github.com/klipach/firebridge/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmulatorStore(t *testing.T) (*messages.Firestore, *firestore.Client) {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST is not set")
	}
	client, err := firestore.NewClient(context.Background(), "demo-firebridge")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return messages.NewFirestore(client), client
}

func TestFirestoreSavedMessageAppearsInSnapshot(t *testing.T) {
	store, _ := newEmulatorStore(t)
	user := &fakeUser{uid: uuid.NewString(), email: "ada@example.com", token: "id-token-1"}
	b, rec := newTestBridge(t, newFakeIdentity(user, nil), store)

	b.Dispatch(intent(t, contract.IntentSignIn, nil))
	require.Eventually(t, func() bool {
		return len(rec.named(contract.EventReceiveMessages)) > 0
	}, 10*time.Second, 20*time.Millisecond)

	b.Dispatch(intent(t, contract.IntentSaveMessage, contract.SaveMessage{Content: "hello", UID: user.uid}))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"hello"}, rec.lastMessages())
	}, 10*time.Second, 20*time.Millisecond)
	assert.Empty(t, rec.named(contract.EventSignInError))
}

func TestFirestoreSnapshotSkipsDocumentsWithoutContent(t *testing.T) {
	store, client := newEmulatorStore(t)
	user := &fakeUser{uid: uuid.NewString(), email: "ada@example.com", token: "id-token-1"}

	ctx := context.Background()
	coll := client.Collection(contract.FirestoreUserCollection).Doc(user.uid).Collection(contract.FirestoreMessageCollection)
	// snapshots are ordered by document id
	for id, data := range map[string]map[string]any{
		"1": {"content": "a"},
		"2": {},
		"3": {"content": "b"},
	} {
		_, err := coll.Doc(id).Set(ctx, data)
		require.NoError(t, err)
	}

	b, rec := newTestBridge(t, newFakeIdentity(user, nil), store)
	b.Dispatch(intent(t, contract.IntentSignIn, nil))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"a", "b"}, rec.lastMessages())
	}, 10*time.Second, 20*time.Millisecond)
}
