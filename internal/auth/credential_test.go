package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap parameters keep the suite fast; records stay self-describing.
var testParams = ScryptParams{N: 1 << 10, R: 8, P: 1}

func TestCredentialStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewCredentialStoreWithParams(testParams)

	record, err := c.Hash(ctx, "correct horse")
	require.NoError(t, err)

	parts := strings.Split(record, ":")
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], saltBytes*2, "salt is 256 bits hex encoded")
	assert.Equal(t, "n=1024,r=8,p=1", parts[2])

	assert.True(t, c.Verify(ctx, "correct horse", record))
	assert.False(t, c.Verify(ctx, "wrong horse", record))
	assert.False(t, c.Verify(ctx, "", record))
}

func TestCredentialStore_SaltedHashesDiffer(t *testing.T) {
	ctx := context.Background()
	c := NewCredentialStoreWithParams(testParams)

	a, err := c.Hash(ctx, "same")
	require.NoError(t, err)
	b, err := c.Hash(ctx, "same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, c.Verify(ctx, "same", a))
	assert.True(t, c.Verify(ctx, "same", b))
}

func TestCredentialStore_VerifiesRecordParams(t *testing.T) {
	ctx := context.Background()
	record, err := NewCredentialStoreWithParams(ScryptParams{N: 1 << 9, R: 4, P: 2}).Hash(ctx, "pw")
	require.NoError(t, err)

	// A store configured with different params still verifies old records.
	assert.True(t, NewCredentialStoreWithParams(testParams).Verify(ctx, "pw", record))
}

func TestCredentialStore_MalformedRecords(t *testing.T) {
	ctx := context.Background()
	c := NewCredentialStoreWithParams(testParams)

	good, err := c.Hash(ctx, "pw")
	require.NoError(t, err)
	parts := strings.Split(good, ":")

	records := map[string]string{
		"empty":            "",
		"missing salt":     parts[1] + ":" + parts[2],
		"missing params":   parts[0] + ":" + parts[1],
		"extra segment":    good + ":x",
		"non-hex salt":     "zz:" + parts[1] + ":" + parts[2],
		"empty key":        parts[0] + "::" + parts[2],
		"n not power of 2": parts[0] + ":" + parts[1] + ":n=1000,r=8,p=1",
		"n too large":      parts[0] + ":" + parts[1] + ":n=1073741824,r=8,p=1",
		"unknown param":    parts[0] + ":" + parts[1] + ":n=1024,r=8,p=1,x=2",
		"missing r":        parts[0] + ":" + parts[1] + ":n=1024,p=1",
		"garbage params":   parts[0] + ":" + parts[1] + ":hello",
	}
	for name, record := range records {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, c.Verify(ctx, "pw", record))
			})
		})
	}
}

func TestCredentialStore_CancelledContext(t *testing.T) {
	c := NewCredentialStoreWithParams(testParams)
	record, err := c.Hash(context.Background(), "pw")
	require.NoError(t, err)

	// Hold every slot so Verify has to wait on the semaphore.
	c.sem = newFullSemaphore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, c.Verify(ctx, "pw", record))
}
