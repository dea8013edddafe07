package secretstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExportEncryptDecryptRoundTrip(t *testing.T) {
	salt := []byte("0123456789abcdef")
	key := DeriveExportKey("correct horse battery staple", salt)
	require.Len(t, key, exportKeyLength)

	blob, err := EncryptWithKey(key, []byte(`{"adapters":[]}`))
	require.NoError(t, err)

	plaintext, err := DecryptWithKey(key, blob)
	require.NoError(t, err)
	require.Equal(t, `{"adapters":[]}`, string(plaintext))
}

func TestExportDecryptWithWrongPassphraseFails(t *testing.T) {
	salt := []byte("0123456789abcdef")
	key := DeriveExportKey("right-passphrase", salt)
	blob, err := EncryptWithKey(key, []byte("payload"))
	require.NoError(t, err)

	wrongKey := DeriveExportKey("wrong-passphrase", salt)
	_, err = DecryptWithKey(wrongKey, blob)
	require.Error(t, err)
}

func TestDeriveExportKeyDeterministic(t *testing.T) {
	salt := []byte("fixedsaltfixed16")
	k1 := DeriveExportKey("pw", salt)
	k2 := DeriveExportKey("pw", salt)
	require.Equal(t, k1, k2)
}
