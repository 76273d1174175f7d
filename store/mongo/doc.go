// Package mongo implements store.Store on MongoDB with the official v2
// driver. Each job is one document whose _id is the job ID; run_at ties are
// broken by _id, which is time-ordered.
//
// The caller owns the client lifecycle; mongo never disconnects it. Pass a
// database handle through the constructor:
//
//	import (
//	    "go.mongodb.org/mongo-driver/v2/mongo"
//	    "go.mongodb.org/mongo-driver/v2/mongo/options"
//	    mongostore "github.com/xraph/conveyor/store/mongo"
//	)
//
//	client, _ := mongo.Connect(options.Client().ApplyURI(uri))
//	store := mongostore.New(client.Database("app"))
//	store.Migrate(ctx)
package mongo
