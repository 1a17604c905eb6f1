package unifi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Databases of a UniFi controller's MongoDB.
const (
	aceDB     = "ace"
	aceStatDB = "ace_stat"
)

// Site is a UniFi site. Sites become meshes.
type Site struct {
	Name string `bson:"name"`
}

// Device is an adopted UniFi access point.
type Device struct {
	MAC       string `bson:"mac"`
	IP        string `bson:"ip"`
	Model     string `bson:"model"`
	AdoptedAt int64  `bson:"adopted_at"`
	Network   string `bson:"last_connection_network_name"`

	// Name comes from the adoption event, not the device document.
	Name string `bson:"-"`
}

// APStat is one per-AP statistics document. Time is in milliseconds.
type APStat struct {
	AP            string   `bson:"ap"`
	Time          int64    `bson:"time"`
	TxBytes       *float64 `bson:"tx_bytes"`
	RxBytes       *float64 `bson:"rx_bytes"`
	TxPackets     *float64 `bson:"tx_packets"`
	RxPackets     *float64 `bson:"rx_packets"`
	TxDropped     *float64 `bson:"tx_dropped"`
	RxDropped     *float64 `bson:"rx_dropped"`
	TxFailed      *float64 `bson:"tx_failed"`
	RxFailed      *float64 `bson:"rx_failed"`
	TxRetries     *float64 `bson:"tx_retries"`
	Mem           *float64 `bson:"mem"`
	CPU           *float64 `bson:"cpu"`
	ClientTxBytes *float64 `bson:"client-tx_bytes"`
	ClientRxBytes *float64 `bson:"client-rx_bytes"`
}

func (s APStat) Created() time.Time {
	return time.UnixMilli(s.Time).UTC()
}

type adoption struct {
	APName string `bson:"ap_name"`
}

// Source reads sites, devices and statistics from a UniFi controller's
// MongoDB.
type Source struct {
	client *mongo.Client
}

// Open connects to the controller database at uri and checks it answers.
func Open(ctx context.Context, uri string, timeout time.Duration) (*Source, error) {
	opts := options.Client().ApplyURI(uri)
	if timeout > 0 {
		opts.SetConnectTimeout(timeout).SetServerSelectionTimeout(timeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect unifi database: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping unifi database: %w", err)
	}
	return &Source{client: client}, nil
}

func (s *Source) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Source) Sites(ctx context.Context) ([]Site, error) {
	var sites []Site
	if err := s.findAll(ctx, aceDB, "site", bson.M{}, &sites); err != nil {
		return nil, err
	}
	return sites, nil
}

// Devices returns every device named after its adoption event, or after its
// model when no adoption was recorded.
func (s *Source) Devices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := s.findAll(ctx, aceDB, "device", bson.M{}, &devices); err != nil {
		return nil, err
	}

	events := s.client.Database(aceDB).Collection("event")
	for i := range devices {
		var a adoption
		err := events.FindOne(ctx, bson.M{"key": "EVT_AP_Adopted", "ap": devices[i].MAC}).Decode(&a)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			devices[i].Name = devices[i].Model
		case err != nil:
			return nil, fmt.Errorf("find adoption of %s: %w", devices[i].MAC, err)
		default:
			devices[i].Name = a.APName
		}
	}
	return devices, nil
}

// HourlyStats returns hourly AP statistics newer than since.
func (s *Source) HourlyStats(ctx context.Context, since time.Time) ([]APStat, error) {
	return s.stats(ctx, "stat_hourly", since)
}

// FiveMinuteStats returns five-minute AP statistics newer than since.
func (s *Source) FiveMinuteStats(ctx context.Context, since time.Time) ([]APStat, error) {
	return s.stats(ctx, "stat_5minutes", since)
}

func (s *Source) stats(ctx context.Context, collection string, since time.Time) ([]APStat, error) {
	filter := bson.M{"o": "ap"}
	if !since.IsZero() {
		filter["time"] = bson.M{"$gt": since.UnixMilli()}
	}
	var out []APStat
	if err := s.findAll(ctx, aceStatDB, collection, filter, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Source) findAll(ctx context.Context, db, collection string, filter bson.M, out interface{}) error {
	cur, err := s.client.Database(db).Collection(collection).Find(ctx, filter)
	if err != nil {
		return fmt.Errorf("query %s.%s: %w", db, collection, err)
	}
	if err := cur.All(ctx, out); err != nil {
		return fmt.Errorf("read %s.%s: %w", db, collection, err)
	}
	return nil
}
