// Package testutil provides in-memory doubles of the daemon's external
// stores. The fakes keep the conditional update semantics of the real
// implementations so state-machine tests exercise the same transitions.
package testutil

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/saa-hil/image-resizer/daemon/objectstore"
	"github.com/saa-hil/image-resizer/daemon/variant"
	"github.com/saa-hil/image-resizer/errdefs"
)

// FakeVariantStore is an in-memory variant.Store.
type FakeVariantStore struct {
	mu      sync.Mutex
	records map[string]*variant.Record

	// Fault injection. A non-nil error fails the corresponding call before
	// it touches the in-memory state.
	PingErr           error
	CreateErr         error
	GetErr            error
	ListErr           error
	MarkProcessingErr error
	MarkReadyErr      error
	MarkFailedErr     error
	RequeueErr        error
	DeleteErr         error
}

// NewFakeVariantStore returns an empty store.
func NewFakeVariantStore() *FakeVariantStore {
	return &FakeVariantStore{records: make(map[string]*variant.Record)}
}

func (s *FakeVariantStore) Create(ctx context.Context, r *variant.Record) error {
	if s.CreateErr != nil {
		return s.CreateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.Key() == r.Key() {
			return &variant.OpErr{Err: variant.ErrKeyConflict, Op: "create", Ref: r.VariantKey}
		}
	}
	cp := *r
	s.records[r.ID] = &cp
	return nil
}

func (s *FakeVariantStore) Get(ctx context.Context, id string) (*variant.Record, error) {
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, &variant.OpErr{Err: variant.ErrNoSuchRecord, Op: "get", Ref: id}
	}
	cp := *r
	return &cp, nil
}

func (s *FakeVariantStore) GetByKey(ctx context.Context, key variant.Key) (*variant.Record, error) {
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Key() == key {
			cp := *r
			return &cp, nil
		}
	}
	return nil, &variant.OpErr{Err: variant.ErrNoSuchRecord, Op: "get", Ref: key.String()}
}

func (s *FakeVariantStore) List(ctx context.Context, f variant.Filter) ([]*variant.Record, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*variant.Record
	for _, r := range s.records {
		if matchFilter(r, f) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchFilter(r *variant.Record, f variant.Filter) bool {
	if r.ImageID != f.ImageID {
		return false
	}
	if f.Width != 0 && (r.Width != f.Width || r.Height != f.Height) {
		return false
	}
	if f.Format != "" && r.Format != f.Format {
		return false
	}
	return true
}

func (s *FakeVariantStore) MarkProcessing(ctx context.Context, id string) (*variant.Record, error) {
	if s.MarkProcessingErr != nil {
		return nil, s.MarkProcessingErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Status == variant.StatusReady {
		return nil, &variant.OpErr{Err: variant.ErrNoSuchRecord, Op: "mark-processing", Ref: id}
	}
	r.Status = variant.StatusProcessing
	cp := *r
	return &cp, nil
}

func (s *FakeVariantStore) MarkReady(ctx context.Context, id string, fileSize int64) (*variant.Record, error) {
	if s.MarkReadyErr != nil {
		return nil, s.MarkReadyErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, &variant.OpErr{Err: variant.ErrNoSuchRecord, Op: "mark-ready", Ref: id}
	}
	now := time.Now()
	r.Status = variant.StatusReady
	r.FileSize = fileSize
	r.CompletedAt = &now
	cp := *r
	return &cp, nil
}

func (s *FakeVariantStore) MarkFailed(ctx context.Context, id string, reason string) error {
	if s.MarkFailedErr != nil {
		return s.MarkFailedErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Status == variant.StatusReady {
		return nil
	}
	now := time.Now()
	r.Status = variant.StatusFailed
	r.FailedReason = reason
	r.FailedAt = &now
	return nil
}

func (s *FakeVariantStore) Requeue(ctx context.Context, id string, maxRequeues int) (*variant.Record, error) {
	if s.RequeueErr != nil {
		return nil, s.RequeueErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Status != variant.StatusFailed || r.RequeueCount >= maxRequeues {
		return nil, &variant.OpErr{Err: variant.ErrNoSuchRecord, Op: "requeue", Ref: id}
	}
	r.Status = variant.StatusQueued
	r.FailedReason = ""
	r.FailedAt = nil
	r.RequeueCount++
	cp := *r
	return &cp, nil
}

func (s *FakeVariantStore) Delete(ctx context.Context, f variant.Filter) (int64, error) {
	if s.DeleteErr != nil {
		return 0, s.DeleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if matchFilter(r, f) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *FakeVariantStore) CountByStatus(ctx context.Context) (map[variant.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[variant.Status]int64)
	for _, r := range s.records {
		out[r.Status]++
	}
	return out, nil
}

func (s *FakeVariantStore) Ping(ctx context.Context) error {
	return s.PingErr
}

// Len reports the number of stored records.
func (s *FakeVariantStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

var _ variant.Store = (*FakeVariantStore)(nil)

type fakeObject struct {
	data []byte
	opts objectstore.PutOptions
}

// FakeObjectStore is an in-memory objectstore.Store.
type FakeObjectStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]fakeObject

	PingErr   error
	HeadErr   error
	GetErr    error
	PutErr    error
	DeleteErr error
}

// NewFakeObjectStore returns an empty store for the named bucket.
func NewFakeObjectStore(bucket string) *FakeObjectStore {
	return &FakeObjectStore{bucket: bucket, objects: make(map[string]fakeObject)}
}

// SetObject seeds an object.
func (s *FakeObjectStore) SetObject(key string, data []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = fakeObject{
		data: append([]byte(nil), data...),
		opts: objectstore.PutOptions{ContentType: contentType},
	}
}

// Object returns a stored object's bytes and the metadata recorded when it
// was stored.
func (s *FakeObjectStore) Object(key string) (data []byte, opts objectstore.PutOptions, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, objectstore.PutOptions{}, false
	}
	return append([]byte(nil), obj.data...), obj.opts, true
}

// Keys returns all stored keys, sorted.
func (s *FakeObjectStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *FakeObjectStore) Head(ctx context.Context, key string) (*objectstore.Stat, error) {
	if s.HeadErr != nil {
		return nil, s.HeadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, errdefs.NotFound(errors.Errorf("no such object: %s", key))
	}
	return &objectstore.Stat{Key: key, Size: int64(len(obj.data)), ContentType: obj.opts.ContentType}, nil
}

func (s *FakeObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, *objectstore.Stat, error) {
	if s.GetErr != nil {
		return nil, nil, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, nil, errdefs.NotFound(errors.Errorf("no such object: %s", key))
	}
	stat := &objectstore.Stat{Key: key, Size: int64(len(obj.data)), ContentType: obj.opts.ContentType}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), stat, nil
}

func (s *FakeObjectStore) Put(ctx context.Context, key string, body io.Reader, size int64, opts objectstore.PutOptions) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = fakeObject{data: data, opts: opts}
	return nil
}

func (s *FakeObjectStore) Delete(ctx context.Context, key string) error {
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *FakeObjectStore) DeleteBatch(ctx context.Context, keys []string) error {
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.objects, k)
	}
	return nil
}

func (s *FakeObjectStore) Ping(ctx context.Context) error {
	return s.PingErr
}

func (s *FakeObjectStore) Bucket() string {
	return s.bucket
}

var _ objectstore.Store = (*FakeObjectStore)(nil)
