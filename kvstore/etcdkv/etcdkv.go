// Package etcdkv implements kvstore.Backend on top of etcd's native
// compare-and-swap, keyed off each key's ModRevision.
package etcdkv

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/etcd/client/v3"

	"github.com/InfiCell/clearwater-etcd/kvstore"
)

// Backend is a kvstore.Backend backed by an etcd v3 client. A key's
// ModRevision stands in for kvstore.Version.
type Backend struct {
	cli *clientv3.Client
}

func New(cli *clientv3.Client) *Backend {
	return &Backend{cli: cli}
}

func Dial(endpoints []string, dialTimeout time.Duration) (*Backend, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcdkv: dial: %w", err)
	}
	return New(cli), nil
}

func (b *Backend) Close() error { return b.cli.Close() }

func (b *Backend) Read(ctx context.Context, key string) (kvstore.Record, error) {
	resp, err := b.cli.Get(ctx, key)
	if err != nil {
		return kvstore.Record{}, &kvstore.TransientError{Cause: err}
	}
	if len(resp.Kvs) == 0 {
		return kvstore.Record{}, kvstore.ErrKeyMissing
	}
	kv := resp.Kvs[0]
	return kvstore.Record{Value: kv.Value, Version: kvstore.Version(kv.ModRevision)}, nil
}

// Watch blocks until key changes past sinceVersion, or returns immediately
// if the current value is already past it. The etcd watch starts from
// sinceVersion+1 so the caller's own last-seen revision is never
// re-delivered.
func (b *Backend) Watch(ctx context.Context, key string, sinceVersion kvstore.Version) (kvstore.Record, error) {
	if sinceVersion == 0 {
		return b.Read(ctx, key)
	}

	cur, err := b.Read(ctx, key)
	if err != nil && err != kvstore.ErrKeyMissing {
		return kvstore.Record{}, err
	}
	if err == nil && cur.Version > sinceVersion {
		return cur, nil
	}

	wch := b.cli.Watch(ctx, key, clientv3.WithRev(int64(sinceVersion)+1))
	for {
		select {
		case <-ctx.Done():
			return kvstore.Record{}, ctx.Err()
		case wresp, ok := <-wch:
			if !ok {
				return kvstore.Record{}, &kvstore.TransientError{Cause: fmt.Errorf("etcdkv: watch channel closed")}
			}
			if wresp.Err() != nil {
				return kvstore.Record{}, &kvstore.TransientError{Cause: wresp.Err()}
			}
			for _, ev := range wresp.Events {
				if ev.Type == clientv3.EventTypeDelete {
					return kvstore.Record{}, kvstore.ErrKeyMissing
				}
				return kvstore.Record{
					Value:   ev.Kv.Value,
					Version: kvstore.Version(ev.Kv.ModRevision),
				}, nil
			}
		}
	}
}

// Write performs a CAS write: if cas is 0, the key must not yet exist
// (create-if-absent); otherwise the current ModRevision must equal cas.
func (b *Backend) Write(ctx context.Context, key string, value []byte, cas kvstore.Version) error {
	var cmp clientv3.Cmp
	if cas == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", int64(cas))
	}
	resp, err := b.cli.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return &kvstore.TransientError{Cause: err}
	}
	if !resp.Succeeded {
		return kvstore.ErrContended
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string, cas kvstore.Version) error {
	cmp := clientv3.Compare(clientv3.ModRevision(key), "=", int64(cas))
	resp, err := b.cli.Txn(ctx).
		If(cmp).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return &kvstore.TransientError{Cause: err}
	}
	if !resp.Succeeded {
		return kvstore.ErrContended
	}
	return nil
}
