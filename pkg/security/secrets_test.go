package security

import (
	"bytes"
	"testing"
)

func TestNewKeyManager(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			km, err := NewKeyManager(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewKeyManager() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && km == nil {
				t.Error("NewKeyManager() returned nil without error")
			}
		})
	}
}

func TestNewKeyManagerFromPassphrase(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
		wantErr    bool
	}{
		{name: "valid passphrase", passphrase: "my-secure-passphrase", wantErr: false},
		{name: "empty passphrase", passphrase: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			km, err := NewKeyManagerFromPassphrase(tt.passphrase)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewKeyManagerFromPassphrase() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && km == nil {
				t.Error("NewKeyManagerFromPassphrase() returned nil without error")
			}
		})
	}
}

func TestWrapUnwrapRoundtrip(t *testing.T) {
	wrapKey := make([]byte, 32)
	copy(wrapKey, []byte("test-wrap-key-32-bytes-long-!!!!"))

	km, err := NewKeyManager(wrapKey)
	if err != nil {
		t.Fatalf("NewKeyManager() error = %v", err)
	}

	tests := []struct {
		name       string
		clusterKey []byte
	}{
		{name: "derived key", clusterKey: DeriveClusterKey("prod-cluster")},
		{name: "binary data", clusterKey: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped, err := km.WrapClusterKey(tt.clusterKey)
			if err != nil {
				t.Fatalf("WrapClusterKey() error = %v", err)
			}
			if bytes.Equal(wrapped, tt.clusterKey) {
				t.Error("wrapped key should not equal plaintext key")
			}

			unwrapped, err := km.UnwrapClusterKey(wrapped)
			if err != nil {
				t.Fatalf("UnwrapClusterKey() error = %v", err)
			}
			if !bytes.Equal(unwrapped, tt.clusterKey) {
				t.Errorf("unwrapped key = %v, want %v", unwrapped, tt.clusterKey)
			}
		})
	}
}

func TestWrapClusterKey_Errors(t *testing.T) {
	km, _ := NewKeyManager(make([]byte, 32))

	tests := []struct {
		name       string
		clusterKey []byte
		wantErr    bool
	}{
		{name: "empty key", clusterKey: []byte{}, wantErr: true},
		{name: "nil key", clusterKey: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := km.WrapClusterKey(tt.clusterKey)
			if (err != nil) != tt.wantErr {
				t.Errorf("WrapClusterKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnwrapClusterKey_Errors(t *testing.T) {
	km, _ := NewKeyManager(make([]byte, 32))

	tests := []struct {
		name    string
		wrapped []byte
		wantErr bool
	}{
		{name: "empty data", wrapped: []byte{}, wantErr: true},
		{name: "nil data", wrapped: nil, wantErr: true},
		{name: "too short", wrapped: []byte{0x01, 0x02}, wantErr: true},
		{name: "corrupted", wrapped: bytes.Repeat([]byte("x"), 100), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := km.UnwrapClusterKey(tt.wrapped)
			if (err != nil) != tt.wantErr {
				t.Errorf("UnwrapClusterKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnwrapWithWrongWrapKey(t *testing.T) {
	wrapKey1 := make([]byte, 32)
	copy(wrapKey1, []byte("wrap-key-one-32-bytes-long-!!!!!"))
	wrapKey2 := make([]byte, 32)
	copy(wrapKey2, []byte("wrap-key-two-32-bytes-long-!!!!!"))

	km1, _ := NewKeyManager(wrapKey1)
	km2, _ := NewKeyManager(wrapKey2)

	clusterKey := []byte("shared-cluster-key-material-....")

	wrapped, err := km1.WrapClusterKey(clusterKey)
	if err != nil {
		t.Fatalf("WrapClusterKey() error = %v", err)
	}

	_, err = km2.UnwrapClusterKey(wrapped)
	if err == nil {
		t.Error("UnwrapClusterKey() should fail with wrong wrap key")
	}
}

func TestDeriveClusterKey(t *testing.T) {
	tests := []struct {
		name        string
		clusterName string
	}{
		{name: "simple name", clusterName: "prod-cluster"},
		{name: "dotted name", clusterName: "us-east-1.cman.internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := DeriveClusterKey(tt.clusterName)
			if len(key) != 32 {
				t.Errorf("DeriveClusterKey() returned key of length %d, want 32", len(key))
			}

			key2 := DeriveClusterKey(tt.clusterName)
			if !bytes.Equal(key, key2) {
				t.Error("DeriveClusterKey() should be deterministic")
			}

			differentKey := DeriveClusterKey(tt.clusterName + "-different")
			if bytes.Equal(key, differentKey) {
				t.Error("different cluster names should produce different keys")
			}
		})
	}
}
