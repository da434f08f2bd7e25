package messages

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/klipach/firebridge/contract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const emulatorProject = "demo-firebridge"

// newEmulatorClient connects to the Firestore emulator, skipping the test when none is running.
func newEmulatorClient(t *testing.T) *firestore.Client {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST is not set")
	}
	client, err := firestore.NewClient(context.Background(), emulatorProject)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitSnapshot(t *testing.T, ch <-chan []map[string]any, match func([]map[string]any) bool) []map[string]any {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case docs := <-ch:
			if match(docs) {
				return docs
			}
		case <-deadline:
			t.Fatal("no matching snapshot")
			return nil
		}
	}
}

func TestFirestoreAddAndWatch(t *testing.T) {
	client := newEmulatorClient(t)
	store := NewFirestore(client)
	uid := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshots := make(chan []map[string]any, 10)
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, uid, func(docs []map[string]any) { snapshots <- docs })
	}()

	waitSnapshot(t, snapshots, func(docs []map[string]any) bool { return len(docs) == 0 })

	id, err := store.Add(ctx, uid, "if a<b and b>c then")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	docs := waitSnapshot(t, snapshots, func(docs []map[string]any) bool { return len(docs) == 1 })
	assert.Equal(t, "if a<b and b>c then", docs[0][contract.FirestoreContentField])

	saved, err := client.Collection(contract.FirestoreUserCollection).Doc(uid).
		Collection(contract.FirestoreMessageCollection).Doc(id).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{contract.FirestoreContentField: "if a<b and b>c then"}, saved.Data())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
