package transfer

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	s3manageriface.UploaderAPI
	inputs []*s3manager.UploadInput
	bodies []string
	err    error
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, input *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	data, _ := io.ReadAll(input.Body)
	f.inputs = append(f.inputs, input)
	f.bodies = append(f.bodies, string(data))
	if f.err != nil {
		return nil, f.err
	}
	return &s3manager.UploadOutput{}, nil
}

func TestS3RemoteStore(t *testing.T) {
	fake := &fakeUploader{}
	remote := newS3Remote(fake, "bi-artifacts", "daily/2024")

	require.NoError(t, remote.Store(context.Background(), "get_sales.csv.gz", strings.NewReader("rows")))
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "bi-artifacts", aws.StringValue(fake.inputs[0].Bucket))
	assert.Equal(t, "daily/2024/get_sales.csv.gz", aws.StringValue(fake.inputs[0].Key))
	assert.Equal(t, "rows", fake.bodies[0])

	fake.err = errors.New("AccessDenied")
	err := remote.Store(context.Background(), "x", strings.NewReader(""))
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "s3", storeErr.Remote)
}

func TestS3RemoteKeyWithoutPrefix(t *testing.T) {
	assert.Equal(t, "a.csv", newS3Remote(&fakeUploader{}, "b", "").Key("a.csv"))
}

func TestNewS3RemoteRequiresBucket(t *testing.T) {
	_, err := NewS3Remote(S3Config{})
	assert.ErrorIs(t, err, ErrBucketRequired)
}
