package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patitas/storefront/internal/domain/auth"
)

const seedJSON = `[
  {"id": 1, "name": "Croquetas", "currentPrice": "54.90", "oldPrice": "62.00", "rating": "4.7", "stock": 25, "category": "perros"},
  {"id": 2, "name": " Arena ", "currentPrice": "12.50", "rating": "4.3", "stock": 40, "category": "gatos"}
]`

func TestDecodeProducts(t *testing.T) {
	products, err := decodeProducts(strings.NewReader(seedJSON), false)
	require.NoError(t, err)
	require.Len(t, products, 2)

	assert.Equal(t, int64(1), products[0].ID)
	assert.Equal(t, "54.9", products[0].CurrentPrice.String())
	assert.True(t, products[0].OldPrice.Valid)
	assert.Equal(t, "Arena", products[1].Name)
	assert.False(t, products[1].OldPrice.Valid)
}

func TestDecodeProductsGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	_, err := zw.Write([]byte(seedJSON))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	products, err := decodeProducts(&buf, true)
	require.NoError(t, err)
	assert.Len(t, products, 2)
}

func TestDecodeProductsRejects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name:    "duplicate id",
			input:   `[{"id":1,"name":"a","currentPrice":"1","category":"c"},{"id":1,"name":"b","currentPrice":"1","category":"c"}]`,
			wantErr: "duplicate product id 1",
		},
		{
			name:    "missing id",
			input:   `[{"name":"a","currentPrice":"1","category":"c"}]`,
			wantErr: "id must be positive",
		},
		{
			name:    "negative stock",
			input:   `[{"id":3,"name":"a","currentPrice":"1","category":"c","stock":-1}]`,
			wantErr: "product 3",
		},
		{
			name:    "not json",
			input:   `{`,
			wantErr: "parse products JSON",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeProducts(strings.NewReader(tt.input), false)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// --- Mock implementations ---

type mockKeyStore struct {
	got []auth.APIKeyInfo
}

func (m *mockKeyStore) Upsert(_ context.Context, info auth.APIKeyInfo) error {
	m.got = append(m.got, info)
	return nil
}

func TestSeedAPIKey(t *testing.T) {
	store := &mockKeyStore{}
	require.NoError(t, seedAPIKey(context.Background(), store, "s3cret", "pepper"))

	require.Len(t, store.got, 1)
	info := store.got[0]
	assert.Equal(t, auth.HashKey("s3cret", []byte("pepper")), info.KeyHash)
	assert.True(t, info.HasScope(auth.ScopeCatalogWrite))
	assert.True(t, info.HasScope(auth.ScopeOrdersAdmin))
}
