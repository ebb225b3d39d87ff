package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

// MongoUserCollection implements UserCollection for MongoDB
type MongoUserCollection struct {
	Collection *mongo.Collection
}

// InsertUser inserts a new user into the database
func (c *MongoUserCollection) InsertUser(ctx context.Context, user models.User) error {
	if c.Collection == nil {
		return errNilCollection
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()
	user.IsActive = true

	_, err := c.Collection.InsertOne(ctx, user)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// FindUserByID finds a user by their ID
func (c *MongoUserCollection) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	return c.findOne(ctx, bson.M{"_id": id})
}

// FindUserByUsername finds a user by their username
func (c *MongoUserCollection) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return c.findOne(ctx, bson.M{"username": username})
}

// FindUserByEmail finds a user by their email
func (c *MongoUserCollection) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return c.findOne(ctx, bson.M{"email": email})
}

func (c *MongoUserCollection) findOne(ctx context.Context, filter bson.M) (*models.User, error) {
	if c.Collection == nil {
		return nil, errNilCollection
	}
	var user models.User
	if err := c.Collection.FindOne(ctx, filter).Decode(&user); err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// UpdateUser updates a user in the database
func (c *MongoUserCollection) UpdateUser(ctx context.Context, id string, user models.User) error {
	if c.Collection == nil {
		return errNilCollection
	}
	user.UpdatedAt = time.Now()
	user.ID = id

	result, err := c.Collection.ReplaceOne(ctx, bson.M{"_id": id}, user)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser deletes a user from the database
func (c *MongoUserCollection) DeleteUser(ctx context.Context, id string) error {
	if c.Collection == nil {
		return errNilCollection
	}
	_, err := c.Collection.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// UpdateLastLogin updates the last login time for a user
func (c *MongoUserCollection) UpdateLastLogin(ctx context.Context, id string) error {
	if c.Collection == nil {
		return errNilCollection
	}
	now := time.Now()
	_, err := c.Collection.UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_login": now, "updated_at": now}},
	)
	return err
}
