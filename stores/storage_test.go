package stores

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/maandhruv/collab-whiteboard/config"
)

func TestGetStore(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"memory", config.Config{StorageType: "memory"}},
		{"sqlite", config.Config{StorageType: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "w.db"), StoreBreaker: true}},
		{"filesystem", config.Config{StorageType: "filesystem", LocalStoragePath: t.TempDir()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := GetStore(context.Background(), &tt.cfg)
			if err != nil {
				t.Fatalf("GetStore() failed: %v", err)
			}
			defer store.Close()

			if _, err := store.SaveSnapshot(context.Background(), "r1", []byte("x")); err != nil {
				t.Errorf("SaveSnapshot() through %s store failed: %v", tt.name, err)
			}
		})
	}
}

func TestGetStore_Unknown(t *testing.T) {
	if _, err := GetStore(context.Background(), &config.Config{StorageType: "redis"}); err == nil {
		t.Error("GetStore() should fail for an unknown storage type")
	}
}
