package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"storefront/internal/apperr"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 64)...)

func TestInspectAcceptsImagesAndPDF(t *testing.T) {
	t.Parallel()

	up, err := Inspect(bytes.NewReader(pngBytes), int64(len(pngBytes)), 1<<20)
	require.NoError(t, err)
	require.Equal(t, "image/png", up.ContentType)
	require.Equal(t, ".png", up.Ext)

	// 嗅探读取的头部需拼回正文
	body, err := io.ReadAll(up.Body)
	require.NoError(t, err)
	require.Equal(t, pngBytes, body)

	pdf := []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj\n")
	up, err = Inspect(bytes.NewReader(pdf), int64(len(pdf)), 1<<20)
	require.NoError(t, err)
	require.Equal(t, "application/pdf", up.ContentType)
}

func TestInspectRejects(t *testing.T) {
	t.Parallel()

	text := []byte("definitely not a receipt")
	_, err := Inspect(bytes.NewReader(text), int64(len(text)), 1<<20)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = Inspect(bytes.NewReader(pngBytes), 10<<20, 1<<20)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = Inspect(bytes.NewReader(nil), 0, 1<<20)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestInspectCapsUnderDeclaredSize(t *testing.T) {
	t.Parallel()

	big := append(append([]byte{}, pngBytes...), bytes.Repeat([]byte{1}, 4096)...)
	up, err := Inspect(bytes.NewReader(big), 100, 1024)
	require.NoError(t, err)
	_, err = io.ReadAll(up.Body)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestProofKey(t *testing.T) {
	t.Parallel()

	key := ProofKey("../u1", ".png", time.Date(2026, 2, 3, 23, 0, 0, 0, time.UTC))
	require.True(t, strings.HasPrefix(key, "proofs/2026/02/03/__u1/"), key)
	require.True(t, strings.HasSuffix(key, ".png"))
	require.NotContains(t, key, "..")
}

func TestLocalStoreLifecycle(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	ctx := context.Background()
	s := NewLocalStore(root, "payment-proofs", "http://localhost:8080/objects/")

	require.NoError(t, s.EnsureBucket(ctx))
	require.NoError(t, s.EnsureBucket(ctx))

	obj, err := s.Put(ctx, "proofs/a/b.png", bytes.NewReader(pngBytes), "image/png")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/objects/payment-proofs/proofs/a/b.png", obj.URL)
	require.EqualValues(t, len(pngBytes), obj.Size)

	got, err := os.ReadFile(filepath.Join(root, "payment-proofs", "proofs", "a", "b.png"))
	require.NoError(t, err)
	require.Equal(t, pngBytes, got)

	require.NoError(t, s.Delete(ctx, "proofs/a/b.png"))
	require.NoError(t, s.Delete(ctx, "proofs/a/b.png"))
}

func TestLocalStorePutHonoursCancellation(t *testing.T) {
	t.Parallel()
	s := NewLocalStore(t.TempDir(), "b", "http://x")
	require.NoError(t, s.EnsureBucket(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Put(ctx, "k.png", bytes.NewReader(pngBytes), "image/png")
	require.True(t, apperr.Is(err, apperr.KindStorage))
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsAlreadyExists(t *testing.T) {
	t.Parallel()

	require.True(t, isAlreadyExists(&googleapi.Error{Code: 409}))
	require.False(t, isAlreadyExists(&googleapi.Error{Code: 403}))
	require.False(t, isAlreadyExists(errors.New("409")))
}
