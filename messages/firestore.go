package messages

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/klipach/firebridge/contract"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore stores messages under users/{uid}/messages.
type Firestore struct {
	client *firestore.Client
}

func NewFirestore(client *firestore.Client) *Firestore {
	return &Firestore{client: client}
}

func (f *Firestore) collection(uid string) *firestore.CollectionRef {
	return f.client.
		Collection(contract.FirestoreUserCollection).
		Doc(uid).
		Collection(contract.FirestoreMessageCollection)
}

// Add appends a message document with content as given and returns its id.
func (f *Firestore) Add(ctx context.Context, uid, content string) (string, error) {
	ref, _, err := f.collection(uid).Add(ctx, contract.FirestoreMessage{Content: content})
	if err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}
	return ref.ID, nil
}

// Watch calls fn with every document of the collection each time it changes.
// It blocks until ctx is done or the listener fails.
func (f *Firestore) Watch(ctx context.Context, uid string, fn func(docs []map[string]any)) error {
	it := f.collection(uid).Snapshots(ctx)
	defer it.Stop()

	for {
		snap, err := it.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
				return nil
			}
			return fmt.Errorf("message snapshot: %w", err)
		}
		docs, err := snap.Documents.GetAll()
		if err != nil {
			return fmt.Errorf("read message snapshot: %w", err)
		}
		data := make([]map[string]any, 0, len(docs))
		for _, d := range docs {
			data = append(data, d.Data())
		}
		fn(data)
	}
}
