package kms

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	awskms "github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingpay/pingpay/internal/errs"
)

func newLocalProvider(t *testing.T) Provider {
	t.Helper()
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)
	p, err := NewLocal(base64.StdEncoding.EncodeToString(master))
	require.NoError(t, err)
	return p
}

func TestLocalRoundTrip(t *testing.T) {
	p := newLocalProvider(t)
	ctx := context.Background()

	plaintext := []byte("ninety-three bytes of wallet payload, give or take")
	blob, version, err := p.Encrypt(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, LocalKeyVersion, version)

	got, err := p.Decrypt(ctx, blob, version)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	p := newLocalProvider(t)
	ctx := context.Background()

	plaintext := []byte("same plaintext")
	blob1, _, err := p.Encrypt(ctx, plaintext)
	require.NoError(t, err)
	blob2, _, err := p.Encrypt(ctx, plaintext)
	require.NoError(t, err)

	// fresh DEK and IV per call
	assert.NotEqual(t, blob1, blob2)
}

func TestTamperedBlobFailsAuth(t *testing.T) {
	p := newLocalProvider(t)
	ctx := context.Background()

	blob, version, err := p.Encrypt(ctx, []byte("secret key material"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)

	// flip one bit in every region of the blob
	for _, idx := range []int{5, len(raw) / 2, len(raw) - 1} {
		tampered := make([]byte, len(raw))
		copy(tampered, raw)
		tampered[idx] ^= 0x01

		_, err := p.Decrypt(ctx, base64.StdEncoding.EncodeToString(tampered), version)
		require.Error(t, err, "bit flip at %d must not decrypt", idx)
		assert.Equal(t, errs.CodeCryptoAuth, errs.CodeOf(err))
	}
}

func TestDecryptGarbageBlob(t *testing.T) {
	p := newLocalProvider(t)
	_, err := p.Decrypt(context.Background(), "not base64!!!", LocalKeyVersion)
	require.Error(t, err)
	assert.Equal(t, errs.CodeCryptoAuth, errs.CodeOf(err))

	_, err = p.Decrypt(context.Background(), base64.StdEncoding.EncodeToString([]byte{1, 2}), LocalKeyVersion)
	require.Error(t, err)
}

func TestWrongKeyVersion(t *testing.T) {
	p := newLocalProvider(t)
	blob, _, err := p.Encrypt(context.Background(), []byte("x"))
	require.NoError(t, err)

	_, err = p.Decrypt(context.Background(), blob, "local-v2")
	require.Error(t, err)
	assert.Equal(t, errs.CodeCryptoAuth, errs.CodeOf(err))
}

func TestLocalRejectsShortKey(t *testing.T) {
	_, err := NewLocal(base64.StdEncoding.EncodeToString(make([]byte, 16)))
	require.Error(t, err)
}

// fakeKMS implements the subset of the AWS KMS API the wrapper uses by
// XOR-"wrapping" the DEK with a fixed pad. Good enough to exercise the
// blob plumbing without AWS.
type fakeKMS struct {
	kmsiface.KMSAPI
	keyARN string
}

func (f *fakeKMS) pad(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ 0x5a
	}
	return out
}

func (f *fakeKMS) GenerateDataKeyWithContext(_ aws.Context, in *awskms.GenerateDataKeyInput, _ ...request.Option) (*awskms.GenerateDataKeyOutput, error) {
	plain := make([]byte, 32)
	if _, err := rand.Read(plain); err != nil {
		return nil, err
	}
	return &awskms.GenerateDataKeyOutput{
		KeyId:          aws.String(f.keyARN),
		Plaintext:      plain,
		CiphertextBlob: f.pad(plain),
	}, nil
}

func (f *fakeKMS) DecryptWithContext(_ aws.Context, in *awskms.DecryptInput, _ ...request.Option) (*awskms.DecryptOutput, error) {
	return &awskms.DecryptOutput{
		KeyId:     aws.String(f.keyARN),
		Plaintext: f.pad(in.CiphertextBlob),
	}, nil
}

func (f *fakeKMS) DescribeKeyWithContext(_ aws.Context, _ *awskms.DescribeKeyInput, _ ...request.Option) (*awskms.DescribeKeyOutput, error) {
	return &awskms.DescribeKeyOutput{KeyMetadata: &awskms.KeyMetadata{Arn: aws.String(f.keyARN)}}, nil
}

func TestAwsProviderRoundTrip(t *testing.T) {
	const arn = "arn:aws:kms:eu-west-1:000000000000:key/test"
	p := newAwsKmsWithClient(&fakeKMS{keyARN: arn}, "test")
	ctx := context.Background()

	plaintext := []byte("payload")
	blob, version, err := p.Encrypt(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, arn, version)

	got, err := p.Decrypt(ctx, blob, version)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	current, err := p.CurrentKeyVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, arn, current)
}

func TestAwsProviderVersionMismatch(t *testing.T) {
	p := newAwsKmsWithClient(&fakeKMS{keyARN: "arn:aws:kms:eu-west-1:000000000000:key/test"}, "test")
	blob, _, err := p.Encrypt(context.Background(), []byte("payload"))
	require.NoError(t, err)

	_, err = p.Decrypt(context.Background(), blob, "arn:aws:kms:eu-west-1:000000000000:key/other")
	require.Error(t, err)
	assert.Equal(t, errs.CodeCryptoAuth, errs.CodeOf(err))
}

func TestZeroize(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zeroize(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}
