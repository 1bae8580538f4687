package source_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/couchcryptid/climate-warehouse-etl/internal/adapter/source"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const content = "AQW00061705  -14.3167   -170.7667   3.7  AS  PAGO PAGO INTL\n"

type mockS3 struct {
	bucket, key string
	body        []byte
	err         error
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.bucket, m.key = *in.Bucket, *in.Key
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(m.body))}, nil
}

func readAll(t *testing.T, o *source.Opener, uri string) string {
	t.Helper()
	rc, err := o.Open(context.Background(), uri)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zstded(t *testing.T, s string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll([]byte(s), nil)
}

func TestOpen_PlainFile(t *testing.T) {
	path := writeFile(t, "ghcnm.tavg.qfe.inv", []byte(content))
	o := source.NewOpener()

	assert.Equal(t, content, readAll(t, o, path))
	assert.Equal(t, content, readAll(t, o, "file://"+path))
}

func TestOpen_Gzip(t *testing.T) {
	path := writeFile(t, "ghcnm.tavg.qfe.inv.gz", gzipped(t, content))
	assert.Equal(t, content, readAll(t, source.NewOpener(), path))
}

func TestOpen_Zstd(t *testing.T) {
	path := writeFile(t, "ghcnm.tavg.qfe.inv.zst", zstded(t, content))
	assert.Equal(t, content, readAll(t, source.NewOpener(), path))
}

func TestOpen_CorruptGzip(t *testing.T) {
	path := writeFile(t, "broken.dat.gz", []byte("not gzip"))
	_, err := source.NewOpener().Open(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gzip")
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := source.NewOpener().Open(context.Background(), filepath.Join(t.TempDir(), "absent.dat"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	_, err := source.NewOpener().Open(context.Background(), "ftp://ftp.ncdc.noaa.gov/pub/ghcnm.dat")
	require.ErrorIs(t, err, source.ErrUnsupportedScheme)
}

func TestOpen_S3(t *testing.T) {
	client := &mockS3{body: gzipped(t, content)}
	o := source.NewOpener(source.WithS3Client(client))

	got := readAll(t, o, "s3://ghcn/v4/ghcnm.tavg.qfe.dat.gz")
	assert.Equal(t, content, got)
	assert.Equal(t, "ghcn", client.bucket)
	assert.Equal(t, "v4/ghcnm.tavg.qfe.dat.gz", client.key)
}

func TestOpen_S3Errors(t *testing.T) {
	client := &mockS3{err: errors.New("NoSuchKey")}
	o := source.NewOpener(source.WithS3Client(client))

	_, err := o.Open(context.Background(), "s3://ghcn/missing.dat")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "s3://ghcn/missing.dat"))

	_, err = o.Open(context.Background(), "s3://ghcn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket and key")
}
