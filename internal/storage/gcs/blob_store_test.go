package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	bytes.Buffer
	closed   bool
	closeErr error
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func TestPutObjectWritesPrefixedObject(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	var gotObject, gotType string
	store, err := newWithOpener(Config{Bucket: "bits", Prefix: "raw/"}, func(_ context.Context, object, contentType string) io.WriteCloser {
		gotObject, gotType = object, contentType
		return w
	})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/go.dev/abc.html", "text/html", strings.NewReader("<p>hi</p>"))
	require.NoError(t, err)
	require.Equal(t, "gs://bits/raw/go.dev/abc.html", uri)
	require.Equal(t, "raw/go.dev/abc.html", gotObject)
	require.Equal(t, "text/html", gotType)
	require.Equal(t, "<p>hi</p>", w.String())
	require.True(t, w.closed)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	_, err := newWithOpener(Config{}, nil)
	require.ErrorContains(t, err, "gcs_bucket")

	_, err = New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	w := &recordingWriter{closeErr: errors.New("quota")}
	store, err := newWithOpener(Config{Bucket: "b"}, func(context.Context, string, string) io.WriteCloser { return w })
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "path is required")

	_, err = store.PutObject(context.Background(), "p", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "close writer: quota")
}
