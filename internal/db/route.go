package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

// MongoRouteCollection wraps a MongoDB collection for routes. The route path
// is stored inline as an array of points.
type MongoRouteCollection struct {
	Collection *mongo.Collection
}

// InsertRoute inserts a route.
func (c *MongoRouteCollection) InsertRoute(ctx context.Context, route models.Route) error {
	if c.Collection == nil {
		return errNilCollection
	}
	if route.Path == nil {
		route.Path = []models.Location{}
	}
	_, err := c.Collection.InsertOne(ctx, route)
	return err
}

// FindRouteByID finds a route by its ID.
func (c *MongoRouteCollection) FindRouteByID(ctx context.Context, id string) (*models.Route, error) {
	return c.findOne(ctx, bson.M{"_id": id}, nil)
}

// FindLatestRoute returns the most recently started route of an assignment.
func (c *MongoRouteCollection) FindLatestRoute(ctx context.Context, assignmentID string) (*models.Route, error) {
	return c.findOne(ctx, bson.M{"assignment_id": assignmentID},
		options.FindOne().SetSort(bson.D{{Key: "start_time", Value: -1}}))
}

func (c *MongoRouteCollection) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions) (*models.Route, error) {
	if c.Collection == nil {
		return nil, errNilCollection
	}
	if opts == nil {
		opts = options.FindOne()
	}
	var route models.Route
	if err := c.Collection.FindOne(ctx, filter, opts).Decode(&route); err != nil {
		return nil, notFound(err)
	}
	return &route, nil
}

// FindRoutesByVehicle lists a vehicle's routes, newest first.
func (c *MongoRouteCollection) FindRoutesByVehicle(ctx context.Context, vehicleID string) ([]models.Route, error) {
	return c.find(ctx, bson.M{"vehicle_id": vehicleID})
}

// FindOpenRoutes lists every route without an end time.
func (c *MongoRouteCollection) FindOpenRoutes(ctx context.Context) ([]models.Route, error) {
	return c.find(ctx, bson.M{"end_time": nil})
}

func (c *MongoRouteCollection) find(ctx context.Context, filter bson.M) ([]models.Route, error) {
	if c.Collection == nil {
		return nil, errNilCollection
	}
	cursor, err := c.Collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "start_time", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	routes := []models.Route{}
	if err := cursor.All(ctx, &routes); err != nil {
		return nil, err
	}
	return routes, nil
}

// SetRouteStart records where a manually started route actually began.
func (c *MongoRouteCollection) SetRouteStart(ctx context.Context, id, city string, point models.Location) error {
	return c.update(ctx, id, bson.M{"$set": bson.M{"start_city": city, "start_location": point}})
}

// ExtendRoute adds distance and appends a point to the route path.
func (c *MongoRouteCollection) ExtendRoute(ctx context.Context, id string, distance float64, point models.Location) error {
	return c.update(ctx, id, bson.M{
		"$inc":  bson.M{"total_distance": distance},
		"$push": bson.M{"path": point},
	})
}

// CloseRoute sets the end of a route.
func (c *MongoRouteCollection) CloseRoute(ctx context.Context, id string, end time.Time, city string, point *models.Location) error {
	set := bson.M{"end_time": end, "end_city": city}
	if point != nil {
		set["end_location"] = *point
	}
	return c.update(ctx, id, bson.M{"$set": set})
}

func (c *MongoRouteCollection) update(ctx context.Context, id string, update bson.M) error {
	if c.Collection == nil {
		return errNilCollection
	}
	result, err := c.Collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MongoPositionCollection wraps a MongoDB collection for position samples.
type MongoPositionCollection struct {
	Collection *mongo.Collection
}

// InsertPosition appends a position sample.
func (c *MongoPositionCollection) InsertPosition(ctx context.Context, p models.Position) error {
	if c.Collection == nil {
		return errNilCollection
	}
	_, err := c.Collection.InsertOne(ctx, p)
	return err
}

// FindLatestPosition returns the newest position of a route.
func (c *MongoPositionCollection) FindLatestPosition(ctx context.Context, routeID string) (*models.Position, error) {
	return c.latest(ctx, bson.M{"route_id": routeID})
}

// FindLastVehiclePosition returns the newest position of a vehicle across routes.
func (c *MongoPositionCollection) FindLastVehiclePosition(ctx context.Context, vehicleID string) (*models.Position, error) {
	return c.latest(ctx, bson.M{"vehicle_id": vehicleID})
}

func (c *MongoPositionCollection) latest(ctx context.Context, filter bson.M) (*models.Position, error) {
	if c.Collection == nil {
		return nil, errNilCollection
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	var p models.Position
	if err := c.Collection.FindOne(ctx, filter, opts).Decode(&p); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// MongoSampleCollection keeps one last-sample document per vehicle, keyed by
// the vehicle ID.
type MongoSampleCollection struct {
	Collection *mongo.Collection
}

// SaveLastSample upserts the vehicle's last accepted sample.
func (c *MongoSampleCollection) SaveLastSample(ctx context.Context, p models.Position) error {
	if c.Collection == nil {
		return errNilCollection
	}
	p.ID = p.VehicleID
	_, err := c.Collection.ReplaceOne(ctx, bson.M{"_id": p.VehicleID}, p, options.Replace().SetUpsert(true))
	return err
}

// FindLastSample returns the vehicle's last accepted sample.
func (c *MongoSampleCollection) FindLastSample(ctx context.Context, vehicleID string) (*models.Position, error) {
	if c.Collection == nil {
		return nil, errNilCollection
	}
	var p models.Position
	if err := c.Collection.FindOne(ctx, bson.M{"_id": vehicleID}).Decode(&p); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// FindPositionsByRoute lists a route's positions in time order.
func (c *MongoPositionCollection) FindPositionsByRoute(ctx context.Context, routeID string) ([]models.Position, error) {
	if c.Collection == nil {
		return nil, errNilCollection
	}
	cursor, err := c.Collection.Find(ctx, bson.M{"route_id": routeID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	positions := []models.Position{}
	if err := cursor.All(ctx, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}
