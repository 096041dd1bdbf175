package mgostorage

import (
	"context"
	"encoding/json"
	"time"

	errgo "gopkg.in/errgo.v1"
	"gopkg.in/mgo.v2"

	"github.com/hashlock/macaroon-bakery/bakery"
)

// NewOpsStore returns an implementation of bakery.OpsStore that
// stores operation sets in the given MongoDB collection, expiring
// entries via a TTL index on the expires field.
//
// EnsureOpsIndex should be called at least once on the collection
// before using the returned store.
func NewOpsStore(c *mgo.Collection) bakery.OpsStore {
	return &opsStore{coll: c}
}

// EnsureOpsIndex ensures that the TTL index required by an OpsStore
// exists on the given collection.
func EnsureOpsIndex(c *mgo.Collection) error {
	return c.EnsureIndex(mgo.Index{
		Key:         []string{"expires"},
		ExpireAfter: time.Second,
	})
}

type opsStore struct {
	coll *mgo.Collection
}

type opsDoc struct {
	Key     string `bson:"_id"`
	Ops     string `bson:"ops"`
	Expires time.Time
}

// PutOps implements bakery.OpsStore.PutOps.
func (s *opsStore) PutOps(_ context.Context, key string, ops []bakery.Op, expiry time.Time) error {
	data, err := json.Marshal(ops)
	if err != nil {
		return errgo.Notef(err, "cannot marshal operations")
	}
	_, err = s.coll.UpsertId(key, opsDoc{
		Key:     key,
		Ops:     string(data),
		Expires: expiry,
	})
	if err != nil {
		return errgo.Notef(err, "cannot store operations")
	}
	return nil
}

// GetOps implements bakery.OpsStore.GetOps.
func (s *opsStore) GetOps(_ context.Context, key string) ([]bakery.Op, error) {
	var doc opsDoc
	err := s.coll.FindId(key).One(&doc)
	if err != nil {
		if err == mgo.ErrNotFound {
			return nil, bakery.ErrNotFound
		}
		return nil, errgo.Notef(err, "cannot get operations from database")
	}
	var ops []bakery.Op
	if err := json.Unmarshal([]byte(doc.Ops), &ops); err != nil {
		return nil, errgo.Notef(err, "cannot unmarshal operations")
	}
	return ops, nil
}
