package storage

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeBucket serves the path-style subset of the S3 API the storage uses.
type fakeBucket struct {
	name    string
	mu      sync.Mutex
	objects map[string][]byte
	// failPuts makes that many PUTs fail with a 503 first.
	failPuts atomic.Int32
}

type listResult struct {
	XMLName     xml.Name     `xml:"ListBucketResult"`
	Name        string       `xml:"Name"`
	Prefix      string       `xml:"Prefix"`
	KeyCount    int          `xml:"KeyCount"`
	IsTruncated bool         `xml:"IsTruncated"`
	Contents    []listObject `xml:"Contents"`
}

type listObject struct {
	Key  string `xml:"Key"`
	Size int    `xml:"Size"`
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"+b.name), "/")
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && key == "":
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: b.name, Prefix: prefix}
		for k, v := range b.objects {
			if strings.HasPrefix(k, prefix) {
				res.Contents = append(res.Contents, listObject{Key: k, Size: len(v)})
			}
		}
		sort.Slice(res.Contents, func(i, j int) bool { return res.Contents[i].Key > res.Contents[j].Key })
		res.KeyCount = len(res.Contents)
		w.Header().Set("Content-Type", "application/xml")
		xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodPut:
		if b.failPuts.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		data, _ := io.ReadAll(r.Body)
		b.objects[key] = data
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		data, ok := b.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Write(data)
	case r.Method == http.MethodHead:
		if _, ok := b.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		delete(b.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (b *fakeBucket) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

func newTestS3(t *testing.T) (*S3Storage, *fakeBucket) {
	t.Helper()
	bucket := &fakeBucket{name: "snapshots", objects: make(map[string][]byte)}
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
		RetryMaxAttempts:           1,
	})
	return NewS3StorageWithClient(client, bucket.name, S3Config{
		Prefix:       "partman/",
		RetryBackoff: time.Millisecond,
	}), bucket
}

func TestS3Storage_PutGet(t *testing.T) {
	storage, bucket := newTestS3(t)
	ctx := context.Background()

	if err := storage.Put(ctx, "snapshots/a.json.sz", []byte("hello")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !bucket.has("partman/snapshots/a.json.sz") {
		t.Error("expected the object under the storage prefix")
	}

	got, err := storage.Get(ctx, "snapshots/a.json.sz")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("content mismatch: got %q", got)
	}

	exists, err := storage.Exists(ctx, "snapshots/a.json.sz")
	if err != nil || !exists {
		t.Errorf("Exists = %v, %v; want true", exists, err)
	}

	if err := storage.Delete(ctx, "snapshots/a.json.sz"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = storage.Exists(ctx, "snapshots/a.json.sz")
	if err != nil || exists {
		t.Errorf("Exists after delete = %v, %v; want false", exists, err)
	}

	_, err = storage.Get(ctx, "snapshots/a.json.sz")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestS3Storage_List(t *testing.T) {
	storage, _ := newTestS3(t)
	ctx := context.Background()

	for _, key := range []string{"snapshots/b", "snapshots/a", "other/c"} {
		if err := storage.Put(ctx, key, []byte(key)); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	keys, err := storage.List(ctx, "snapshots/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"snapshots/a", "snapshots/b"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("List = %v, want %v", keys, want)
	}
}

func TestS3Storage_RetriesPut(t *testing.T) {
	storage, bucket := newTestS3(t)
	ctx := context.Background()

	bucket.failPuts.Store(2)
	if err := storage.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put should succeed after retries: %v", err)
	}

	bucket.failPuts.Store(10)
	err := storage.Put(ctx, "k", []byte("v"))
	if !errors.Is(err, ErrUploadFailed) {
		t.Errorf("expected ErrUploadFailed, got %v", err)
	}
}
