package service

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"PPChat/data/database"
	chatmodel "PPChat/module/chat/model"
)

// MongoFriendGraph answers "who are u's partners" from accepted, unblocked
// friend records.
type MongoFriendGraph struct {
	coll *mongo.Collection
}

func NewMongoFriendGraph(db *mongo.Database) *MongoFriendGraph {
	return &MongoFriendGraph{coll: database.Collection(db, &chatmodel.Friend{})}
}

// EnsureIndexes creates the owner/friend unique index.
func (g *MongoFriendGraph) EnsureIndexes(ctx context.Context) error {
	_, err := g.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner_user_id", Value: 1}, {Key: "friend_user_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_owner_friend"),
	})
	return errors.Wrap(err, "create friend index")
}

func (g *MongoFriendGraph) PartnersOf(ctx context.Context, user int64) ([]int64, error) {
	filter := bson.M{
		"owner_user_id": user,
		"status":        chatmodel.FriendAccepted,
		"is_blocked":    bson.M{"$ne": true},
	}
	cur, err := g.coll.Find(ctx, filter, options.Find().SetProjection(bson.M{"friend_user_id": 1}))
	if err != nil {
		return nil, errors.Wrapf(err, "find friends of %d", user)
	}
	var rows []chatmodel.Friend
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errors.Wrapf(err, "read friends of %d", user)
	}
	ids := make([]int64, 0, len(rows))
	for _, f := range rows {
		ids = append(ids, f.FriendUserID)
	}
	return normalize(user, ids), nil
}

// MemoryFriendGraph keeps symmetric friendships in memory.
type MemoryFriendGraph struct {
	mu    sync.RWMutex
	edges map[int64]map[int64]struct{}
}

func NewMemoryFriendGraph() *MemoryFriendGraph {
	return &MemoryFriendGraph{edges: make(map[int64]map[int64]struct{})}
}

// Befriend records an accepted friendship in both directions.
func (g *MemoryFriendGraph) Befriend(a, b int64) {
	if a == b {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.link(a, b)
	g.link(b, a)
}

func (g *MemoryFriendGraph) link(from, to int64) {
	set, ok := g.edges[from]
	if !ok {
		set = make(map[int64]struct{})
		g.edges[from] = set
	}
	set[to] = struct{}{}
}

// Unfriend removes the friendship in both directions.
func (g *MemoryFriendGraph) Unfriend(a, b int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges[a], b)
	delete(g.edges[b], a)
}

func (g *MemoryFriendGraph) PartnersOf(_ context.Context, user int64) ([]int64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]int64, 0, len(g.edges[user]))
	for id := range g.edges[user] {
		ids = append(ids, id)
	}
	return normalize(user, ids), nil
}

// normalize sorts, dedupes and drops user itself.
func normalize(user int64, ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	for _, id := range ids {
		if id == user || (len(out) > 0 && out[len(out)-1] == id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
