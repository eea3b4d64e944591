package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage/storagetest"
)

const testAddrEnv = "READMODEL_TEST_REDIS_ADDR"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv(testAddrEnv)
	if addr == "" {
		t.Skipf("%s not set", testAddrEnv)
	}
	ctx := context.Background()
	client, err := Connect(ctx, addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	prefix := "readmodel-test:" + uuid.NewString() + ":"
	store, err := New(client, prefix)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err == nil && len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = client.Close()
	})
	return store
}

func TestTransactionBufferStoreContract(t *testing.T) {
	storagetest.RunTransactionBufferStoreTests(t, func(t *testing.T) storage.TransactionBufferStore { return openTestStore(t) })
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil, ""); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestConnectRequiresAddress(t *testing.T) {
	if _, err := Connect(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestKeysUsePrefix(t *testing.T) {
	store := &Store{prefix: "p:"}
	id := uuid.MustParse("9b000000-0000-4000-8000-000000000001")
	if got, want := store.recordsKey(id), "p:tx:"+id.String()+":records"; got != want {
		t.Fatalf("records key = %q, want %q", got, want)
	}
	if got, want := store.openKey(), "p:tx:open"; got != want {
		t.Fatalf("open key = %q, want %q", got, want)
	}
}
