package artifact

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlaceholderRenderer_RenderPDFIsDeterministicallyOrdered(t *testing.T) {
	r := NewPlaceholderRenderer()
	fields := map[string]any{
		"balance":    "1200.50",
		"account_id": "acct-9",
		"period":     "2026-Q2",
	}

	first, err := r.RenderPDF(context.Background(), fields)
	require.NoError(t, err)
	second, err := r.RenderPDF(context.Background(), fields)
	require.NoError(t, err)

	require.Equal(t, first, second, "same fields must render identical bytes regardless of map iteration order")
	require.True(t, bytes.HasPrefix(first, []byte("%PDF-1.4\n")))

	accountIdx := bytes.Index(first, []byte("account_id"))
	balanceIdx := bytes.Index(first, []byte("balance"))
	periodIdx := bytes.Index(first, []byte("period"))
	require.True(t, accountIdx < balanceIdx)
	require.True(t, balanceIdx < periodIdx)
}

func TestPlaceholderRenderer_EmptyFields(t *testing.T) {
	r := NewPlaceholderRenderer()
	out, err := r.RenderPDF(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.Equal(t, []byte("%PDF-1.4\n"), out)
}
