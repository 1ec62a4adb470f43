package storage

import (
	"context"
	"io"
	"time"
)

// Observer receives the outcome of every backend call
type Observer func(operation string, success bool, duration time.Duration)

// observedBackend reports each call to an Observer
type observedBackend struct {
	Backend
	observe Observer
}

// Observe wraps backend so that every operation is reported to obs. Optional
// interfaces (DiskReporter, Pinger) of the wrapped backend remain reachable.
func Observe(backend Backend, obs Observer) Backend {
	if obs == nil {
		return backend
	}
	return &observedBackend{Backend: backend, observe: obs}
}

// Unwrap returns the wrapped backend
func (o *observedBackend) Unwrap() Backend {
	return o.Backend
}

func (o *observedBackend) report(op string, start time.Time, err error) {
	o.observe(op, err == nil || IsNotFound(err), time.Since(start))
}

func (o *observedBackend) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	start := time.Now()
	err := o.Backend.Put(ctx, key, data, size, contentType)
	o.report("put", start, err)
	return err
}

func (o *observedBackend) Get(ctx context.Context, key string) (Object, error) {
	start := time.Now()
	obj, err := o.Backend.Get(ctx, key)
	o.report("get", start, err)
	return obj, err
}

func (o *observedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := o.Backend.Delete(ctx, key)
	o.report("delete", start, err)
	return err
}

func (o *observedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := o.Backend.Exists(ctx, key)
	o.report("exists", start, err)
	return ok, err
}

func (o *observedBackend) TotalUsage(ctx context.Context) (int64, error) {
	start := time.Now()
	total, err := o.Backend.TotalUsage(ctx)
	o.report("total_usage", start, err)
	return total, err
}

func (o *observedBackend) Metadata(ctx context.Context, key string) (*ObjectInfo, error) {
	start := time.Now()
	info, err := o.Backend.Metadata(ctx, key)
	o.report("metadata", start, err)
	return info, err
}

func (o *observedBackend) DiskStats(ctx context.Context) (*DiskStats, error) {
	if dr, ok := o.Backend.(DiskReporter); ok {
		return dr.DiskStats(ctx)
	}
	return nil, ErrNotSupported
}

func (o *observedBackend) Ping(ctx context.Context) error {
	if p, ok := o.Backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
