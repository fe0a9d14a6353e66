package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"My Photo #1.JPG":       "My_Photo_1.JPG",
		"party\t pic (2).png":   "party_pic_2.png",
		"ok-name_1:2.jpeg":      "ok-name_1:2.jpeg",
		"übergröße.jpg":         "bergre.jpg",
		"../../etc/passwd":      "....etcpasswd",
		"  leading space.heic ": "_leading_space.heic_",
		"party\u00a0pic.jpg":    "party_pic.jpg",
		"a \u00a0\u2009b.png":   "a_b.png",
		"\u3000wide.jpg":        "_wide.jpg",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
}

func TestPhotoKeyLayout(t *testing.T) {
	key := PhotoKey("ev42", "My Photo #1.JPG")
	pattern := regexp.MustCompile(`^ev42/[0-9a-f-]{36}-My_Photo_1\.JPG$`)
	assert.Regexp(t, pattern, key)
	assert.NotEqual(t, key, PhotoKey("ev42", "My Photo #1.JPG"))

	assert.Equal(t, "ev42/guests/g-7-selfie_1.jpg", GuestPhotoKey("ev42", "g-7", "selfie 1.jpg"))
}

func TestFilesystemSource(t *testing.T) {
	dir := t.TempDir()
	src, err := NewFilesystemSource(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("jpeg"), 0o600))

	data, err := ReadAll(ctx, src, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	// absolute paths inside the base directory are accepted
	data, err = ReadAll(ctx, src, filepath.Join(dir, "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	_, err = src.Open(ctx, "../outside.jpg")
	assert.ErrorIs(t, err, ErrInvalidReference)

	_, err = src.Open(ctx, "missing.jpg")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, src.Remove(ctx, "a.jpg"))
	_, err = os.Stat(filepath.Join(dir, "a.jpg"))
	assert.True(t, os.IsNotExist(err))

	// removing twice is fine
	assert.NoError(t, src.Remove(ctx, "a.jpg"))
}

func TestRoutingSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.jpg"), []byte("local-bytes"), 0o600))
	local, err := NewFilesystemSource(dir)
	require.NoError(t, err)

	src := &RoutingSource{Local: local, Remote: NewHTTPSource(srv.Client())}
	ctx := context.Background()

	data, err := ReadAll(ctx, src, srv.URL+"/upload/1")
	require.NoError(t, err)
	assert.Equal(t, "remote-bytes", string(data))

	_, err = ReadAll(ctx, src, srv.URL+"/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	data, err = ReadAll(ctx, src, "local.jpg")
	require.NoError(t, err)
	assert.Equal(t, "local-bytes", string(data))

	assert.NoError(t, src.Remove(ctx, srv.URL+"/upload/1"))
}

type fakeS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts = append(f.puts, in)
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func TestS3StorePutGet(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	store := NewS3Store(fake, "photos")
	ctx := context.Background()

	locator, err := store.Put(ctx, "ev1/abc-a.jpg", []byte("img"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "s3://photos/ev1/abc-a.jpg", locator)
	require.Len(t, fake.puts, 1)
	assert.Equal(t, "image/jpeg", aws.ToString(fake.puts[0].ContentType))
	assert.Equal(t, int64(3), aws.ToInt64(fake.puts[0].ContentLength))

	for _, ref := range []string{locator, "ev1/abc-a.jpg"} {
		r, err := store.Get(ctx, ref)
		require.NoError(t, err)
		data, _ := io.ReadAll(r)
		r.Close()
		assert.Equal(t, "img", string(data))
	}

	_, err = store.Get(ctx, "s3://photos/ev1/none.jpg")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestParseS3Locator(t *testing.T) {
	bucket, key, err := ParseS3Locator("s3://b/ev/x.jpg")
	require.NoError(t, err)
	assert.Equal(t, "b", bucket)
	assert.Equal(t, "ev/x.jpg", key)

	for _, bad := range []string{"", "s3://", "s3://bucket", "s3:///key"} {
		_, _, err := ParseS3Locator(bad)
		assert.ErrorIs(t, err, ErrInvalidReference, bad)
	}
	assert.True(t, strings.HasPrefix(S3Locator("b", "k"), "s3://"))
}
