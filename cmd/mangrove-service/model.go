package main

import (
	"context"
	"time"

	"github.com/evergreen-ci/mangrove"
	"github.com/evergreen-ci/mangrove/memdb"
	"github.com/mongodb/anser/bsonutil"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	listCollection = "lists"
	itemCollection = "items"
)

// List is a named collection of items curated by one owner.
type List struct {
	ID    primitive.ObjectID `bson:"_id" json:"id"`
	Title string             `bson:"title" json:"title"`
	Owner string             `bson:"owner" json:"owner"`
}

// Item is a single entry on a list.
type Item struct {
	ID      primitive.ObjectID `bson:"_id" json:"id"`
	List    primitive.ObjectID `bson:"list" json:"list"`
	Label   string             `bson:"label" json:"label"`
	Rank    int                `bson:"rank" json:"rank"`
	Done    bool               `bson:"done" json:"done"`
	Created time.Time          `bson:"created" json:"created"`
}

var (
	listIDKey    = bsonutil.MustHaveTag(List{}, "ID")
	listTitleKey = bsonutil.MustHaveTag(List{}, "Title")
	listOwnerKey = bsonutil.MustHaveTag(List{}, "Owner")

	itemIDKey      = bsonutil.MustHaveTag(Item{}, "ID")
	itemListKey    = bsonutil.MustHaveTag(Item{}, "List")
	itemLabelKey   = bsonutil.MustHaveTag(Item{}, "Label")
	itemRankKey    = bsonutil.MustHaveTag(Item{}, "Rank")
	itemDoneKey    = bsonutil.MustHaveTag(Item{}, "Done")
	itemCreatedKey = bsonutil.MustHaveTag(Item{}, "Created")
)

func listSchema() *mangrove.Schema {
	return mangrove.NewSchema().
		AddField(listTitleKey, mangrove.Field{Type: mangrove.TypeString, Required: true}).
		AddField(listOwnerKey, mangrove.Field{Type: mangrove.TypeString})
}

func itemSchema() *mangrove.Schema {
	return mangrove.NewSchema().
		AddField(itemListKey, mangrove.Field{Type: mangrove.TypeObjectID, Ref: listCollection}).
		AddField(itemLabelKey, mangrove.Field{Type: mangrove.TypeString, Required: true}).
		AddField(itemRankKey, mangrove.Field{Type: mangrove.TypeNumber}).
		AddField(itemDoneKey, mangrove.Field{Type: mangrove.TypeBool}).
		AddField(itemCreatedKey, mangrove.Field{Type: mangrove.TypeDate})
}

func validateList(doc bson.M) error {
	if title, _ := doc[listTitleKey].(string); title == "" {
		return mangrove.NewValidationError(listTitleKey, "required", "title is required")
	}
	return nil
}

func validateItem(doc bson.M) error {
	if label, _ := doc[itemLabelKey].(string); label == "" {
		return mangrove.NewValidationError(itemLabelKey, "required", "label is required")
	}
	return nil
}

// seedStore loads a small data set so the memory store has something
// to serve out of the box.
func seedStore(ctx context.Context, lists, items *memdb.Collection) error {
	chores := primitive.NewObjectID()
	errands := primitive.NewObjectID()
	now := time.Now().UTC().Round(time.Millisecond)

	err := lists.Seed(ctx,
		bson.M{listIDKey: chores, listTitleKey: "chores", listOwnerKey: "kim"},
		bson.M{listIDKey: errands, listTitleKey: "errands", listOwnerKey: "ash"},
	)
	if err != nil {
		return errors.Wrap(err, "seeding lists")
	}

	err = items.Seed(ctx,
		bson.M{itemIDKey: primitive.NewObjectID(), itemListKey: chores, itemLabelKey: "water plants", itemRankKey: 1, itemDoneKey: false, itemCreatedKey: now},
		bson.M{itemIDKey: primitive.NewObjectID(), itemListKey: chores, itemLabelKey: "clean filters", itemRankKey: 2, itemDoneKey: true, itemCreatedKey: now},
		bson.M{itemIDKey: primitive.NewObjectID(), itemListKey: errands, itemLabelKey: "return library books", itemRankKey: 1, itemDoneKey: false, itemCreatedKey: now},
	)
	return errors.Wrap(err, "seeding items")
}
