package database

import "go.mongodb.org/mongo-driver/mongo"

type Table interface {
	GetTableName() string
}

// Collection returns the collection backing t in db.
func Collection(db *mongo.Database, t Table) *mongo.Collection {
	return db.Collection(t.GetTableName())
}
