package messages

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"github.com/klipach/firebridge/config"
)

type Store interface {
	Add(ctx context.Context, uid, content string) (string, error)
	Watch(ctx context.Context, uid string, fn func(docs []map[string]any)) error
}

// Open returns the store named by kind, one of config.StoreFirestore or config.StoreMemory. The returned func releases the store's client.
func Open(ctx context.Context, app *firebase.App, kind string) (Store, func() error, error) {
	switch kind {
	case config.StoreMemory:
		return NewMemory(), func() error { return nil }, nil
	case config.StoreFirestore, "":
		client, err := app.Firestore(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("init firestore client: %w", err)
		}
		return NewFirestore(client), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", kind)
	}
}
