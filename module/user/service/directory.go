package service

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"PPChat/data/database"
	usermodel "PPChat/module/user/model"
)

var ErrUserNotFound = errors.New("user not found")

// Directory looks users up by id. A missing user is ErrUserNotFound; any
// other error means the directory itself is unavailable.
type Directory interface {
	Lookup(ctx context.Context, id int64) (*usermodel.User, error)
}

// MemoryDirectory is a Directory for tests and single-node development.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[int64]usermodel.User
}

func NewMemoryDirectory(users ...usermodel.User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[int64]usermodel.User, len(users))}
	d.Put(users...)
	return d
}

func (d *MemoryDirectory) Put(users ...usermodel.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range users {
		d.users[u.ID] = u
	}
}

func (d *MemoryDirectory) Lookup(_ context.Context, id int64) (*usermodel.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, errors.WithStack(ErrUserNotFound)
	}
	return &u, nil
}

// MongoDirectory reads the "user" collection maintained by the account service.
type MongoDirectory struct {
	coll *mongo.Collection
}

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{coll: database.Collection(db, &usermodel.User{})}
}

// EnsureIndexes creates the unique user_id index.
func (d *MongoDirectory) EnsureIndexes(ctx context.Context) error {
	_, err := d.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_user_id"),
	})
	return errors.Wrap(err, "create user index")
}

func (d *MongoDirectory) Lookup(ctx context.Context, id int64) (*usermodel.User, error) {
	var u usermodel.User
	err := d.coll.FindOne(ctx, bson.M{"user_id": id, "is_deleted": bson.M{"$ne": true}}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.WithStack(ErrUserNotFound)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find user %d", id)
	}
	return &u, nil
}
