// Package consulkv implements kvstore.Backend on top of Consul's HTTP KV
// API, using cas=<prior-modify-index> semantics and blocking queries
// (WaitIndex) for Watch.
package consulkv

import (
	"context"
	"fmt"

	"github.com/hashicorp/consul/api"

	"github.com/InfiCell/clearwater-etcd/kvstore"
)

// Backend is a kvstore.Backend backed by the Consul KV store. A key's
// ModifyIndex stands in for kvstore.Version.
type Backend struct {
	kv *api.KV
}

func New(cli *api.Client) *Backend {
	return &Backend{kv: cli.KV()}
}

func Dial(addr string) (*Backend, error) {
	cli, err := api.NewClient(&api.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("consulkv: dial: %w", err)
	}
	return New(cli), nil
}

func (b *Backend) Read(ctx context.Context, key string) (kvstore.Record, error) {
	pair, _, err := b.kv.Get(key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return kvstore.Record{}, &kvstore.TransientError{Cause: err}
	}
	if pair == nil {
		return kvstore.Record{}, kvstore.ErrKeyMissing
	}
	return kvstore.Record{Value: pair.Value, Version: kvstore.Version(pair.ModifyIndex)}, nil
}

// Watch issues a Consul blocking query with WaitIndex = sinceVersion; it
// returns as soon as Consul observes a change past that index, or when ctx
// is cancelled. A sinceVersion of 0 behaves like Read.
func (b *Backend) Watch(ctx context.Context, key string, sinceVersion kvstore.Version) (kvstore.Record, error) {
	if sinceVersion == 0 {
		return b.Read(ctx, key)
	}

	opts := &api.QueryOptions{WaitIndex: uint64(sinceVersion)}
	pair, _, err := b.kv.Get(key, opts.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return kvstore.Record{}, ctx.Err()
		}
		return kvstore.Record{}, &kvstore.TransientError{Cause: err}
	}
	if pair == nil {
		return kvstore.Record{}, kvstore.ErrKeyMissing
	}
	return kvstore.Record{Value: pair.Value, Version: kvstore.Version(pair.ModifyIndex)}, nil
}

// Write performs a CAS write: if cas is 0, the key must not yet exist;
// otherwise the current ModifyIndex must equal cas.
func (b *Backend) Write(ctx context.Context, key string, value []byte, cas kvstore.Version) error {
	pair := &api.KVPair{Key: key, Value: value, ModifyIndex: uint64(cas)}
	ok, _, err := b.kv.CAS(pair, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return &kvstore.TransientError{Cause: err}
	}
	if !ok {
		return kvstore.ErrContended
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string, cas kvstore.Version) error {
	pair := &api.KVPair{Key: key, ModifyIndex: uint64(cas)}
	ok, _, err := b.kv.DeleteCAS(pair, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return &kvstore.TransientError{Cause: err}
	}
	if !ok {
		return kvstore.ErrContended
	}
	return nil
}
