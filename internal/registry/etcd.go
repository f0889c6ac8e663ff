package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const DefaultEtcdPrefix = "/service-mesh/services/"

// EtcdStore keeps one JSON document per service under a key prefix.
//
//	Key:   {prefix}{name}
//	Value: {"url":...,"healthy":...,"registeredAt":...,"lastHealthCheck":...,"pid":...}
//
// Update is an optimistic loop: read the key, apply fn, then commit only if
// the key's revision is still the one that was read.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdStore(endpoints []string, prefix string, dialTimeout time.Duration) (*EtcdStore, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("etcd store needs at least one endpoint")
	}
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdStore{client: c, prefix: prefix}, nil
}

func (s *EtcdStore) key(name string) string {
	return s.prefix + name
}

func (s *EtcdStore) Get(ctx context.Context, name string) (*Record, error) {
	resp, err := s.client.Get(ctx, s.key(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read service %s: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrServiceNotFound
	}

	var rec Record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode service %s: %w", name, err)
	}
	rec.Name = name
	return &rec, nil
}

func (s *EtcdStore) List(ctx context.Context) ([]Record, error) {
	resp, err := s.client.Get(ctx, s.prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	out := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			continue // Skip malformed entries
		}
		rec.Name = strings.TrimPrefix(string(kv.Key), s.prefix)
		out = append(out, rec)
	}
	return out, nil
}

func (s *EtcdStore) Update(ctx context.Context, name string, fn UpdateFunc) error {
	key := s.key(name)

	for {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read service %s: %w", name, err)
		}

		var (
			current *Record
			cmp     clientv3.Cmp
		)
		if len(resp.Kvs) == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		} else {
			var rec Record
			if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
				return fmt.Errorf("failed to decode service %s: %w", name, err)
			}
			rec.Name = name
			current = &rec
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)
		}

		next, err := fn(current)
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}

		var op clientv3.Op
		if next == nil {
			op = clientv3.OpDelete(key)
		} else {
			val, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to encode service %s: %w", name, err)
			}
			op = clientv3.OpPut(key, string(val))
		}

		txn, err := s.client.Txn(ctx).If(cmp).Then(op).Commit()
		if err != nil {
			return fmt.Errorf("failed to write service %s: %w", name, err)
		}
		if txn.Succeeded {
			return nil
		}
		// Lost the race against another writer; re-read and retry.
	}
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}
