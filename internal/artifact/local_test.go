package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)
	return s
}

func TestRef(t *testing.T) {
	assert.Equal(t, "reports/r-42.pdf", Ref("r-42"))
}

func TestLocalStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := Ref("r-1")

	require.NoError(t, s.Put(ctx, ref, []byte("%PDF-1.7 first")))

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7 first"), got)
}

func TestLocalStore_PutIsIdempotentOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := Ref("r-1")

	require.NoError(t, s.Put(ctx, ref, []byte("first")))
	require.NoError(t, s.Put(ctx, ref, []byte("second")))

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got, "a repeated put keeps the last write")
}

func TestLocalStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), Ref("nope"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_RejectsEscapingRefs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, ref := range []string{"../etc/passwd", "/etc/passwd", "reports/../../x.pdf", "."} {
		err := s.Put(ctx, ref, []byte("x"))
		assert.Error(t, err, "ref %q must be rejected", ref)
	}
}

func TestLocalStore_SignedURL(t *testing.T) {
	s := newTestStore(t)

	u, err := s.SignedURL(context.Background(), Ref("r-9"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/v1/reports/r-9/download", u)

	_, err = s.SignedURL(context.Background(), "something-else")
	assert.Error(t, err)
}
