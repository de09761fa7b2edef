package dbclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"devstack/internal/domain"
)

// mongoConnector implements Connector for MongoDB.
type mongoConnector struct {
	client *mongo.Client
	dbName string
}

// mongoQuery is the JSON structure users write for MongoDB queries.
type mongoQuery struct {
	Database   string         `json:"database,omitempty"` // overrides the connection database
	Collection string         `json:"collection"`
	Operation  string         `json:"operation,omitempty"` // find (default), insertOne, updateMany, deleteMany, aggregate, count
	Filter     map[string]any `json:"filter,omitempty"`
	Projection map[string]any `json:"projection,omitempty"`
	Sort       map[string]any `json:"sort,omitempty"`
	Limit      int64          `json:"limit,omitempty"`
	Document   map[string]any `json:"document,omitempty"` // for inserts
	Update     map[string]any `json:"update,omitempty"`   // for updates
	Pipeline   []any          `json:"pipeline,omitempty"` // for aggregate
}

// buildMongoURI constructs a mongodb:// URI from a ConnectionInfo.
func buildMongoURI(conn domain.ConnectionInfo) string {
	u := url.URL{Scheme: "mongodb", Host: hostPort(conn, 27017), Path: "/"}
	if conn.Username != "" {
		if conn.Password != "" {
			u.User = url.UserPassword(conn.Username, conn.Password)
		} else {
			u.User = url.User(conn.Username)
		}
	}
	if conn.Database != "" {
		u.Path = "/" + conn.Database
	}
	return u.String()
}

func newMongoConnector(conn domain.ConnectionInfo) (*mongoConnector, error) {
	dbName := conn.Database
	if dbName == "" {
		dbName = "test"
	}
	log.Debug().Str("uri", buildMongoURI(conn.Redacted())).Msg("connecting to mongodb")

	client, err := mongo.Connect(options.Client().ApplyURI(buildMongoURI(conn)).SetConnectTimeout(10 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &mongoConnector{client: client, dbName: dbName}, nil
}

// parseMongoQuery decodes a JSON query. BSON-typed fields are decoded a
// second time as Extended JSON so $oid, $date and friends work.
func parseMongoQuery(query string) (mongoQuery, error) {
	var mq mongoQuery
	if err := json.Unmarshal([]byte(query), &mq); err != nil {
		return mq, fmt.Errorf("invalid query JSON: %w", err)
	}
	if mq.Collection == "" {
		return mq, fmt.Errorf("query must specify 'collection'")
	}
	if mq.Operation == "" {
		mq.Operation = "find"
	}
	mq.Filter = unmarshalEJSON(mq.Filter)
	mq.Document = unmarshalEJSON(mq.Document)
	mq.Update = unmarshalEJSON(mq.Update)
	mq.Projection = unmarshalEJSON(mq.Projection)
	mq.Sort = unmarshalEJSON(mq.Sort)
	return mq, nil
}

// unmarshalEJSON re-encodes field and decodes it with bson.UnmarshalExtJSON.
func unmarshalEJSON(field map[string]any) map[string]any {
	if field == nil {
		return nil
	}
	raw, err := json.Marshal(field)
	if err != nil {
		return field
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		log.Debug().Err(err).Msg("extended JSON parse failed, using plain JSON")
		return field
	}
	result := make(map[string]any, len(doc))
	for _, elem := range doc {
		result[elem.Key] = elem.Value
	}
	return result
}

func (m *mongoConnector) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

func (m *mongoConnector) Execute(ctx context.Context, query string, rowLimit int) (*domain.ResultSet, error) {
	if rowLimit <= 0 {
		rowLimit = DefaultRowLimit
	}
	mq, err := parseMongoQuery(query)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	dbName := m.dbName
	if mq.Database != "" {
		dbName = mq.Database
	}
	coll := m.client.Database(dbName).Collection(mq.Collection)
	filter := mq.Filter
	if filter == nil {
		filter = map[string]any{}
	}

	switch mq.Operation {
	case "find":
		opts := options.Find()
		if mq.Projection != nil {
			opts.SetProjection(mq.Projection)
		}
		if mq.Sort != nil {
			opts.SetSort(mq.Sort)
		}
		limit := int64(rowLimit) + 1
		if mq.Limit > 0 && mq.Limit < limit {
			limit = mq.Limit
		}
		opts.SetLimit(limit)
		cursor, err := coll.Find(ctx, filter, opts)
		if err != nil {
			return nil, fmt.Errorf("find: %w", err)
		}
		return decodeCursor(ctx, cursor, rowLimit)
	case "aggregate":
		pipeline := mq.Pipeline
		if pipeline == nil {
			pipeline = []any{}
		}
		cursor, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, fmt.Errorf("aggregate: %w", err)
		}
		return decodeCursor(ctx, cursor, rowLimit)
	case "count":
		n, err := coll.CountDocuments(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("count: %w", err)
		}
		return &domain.ResultSet{Columns: []string{"count"}, Rows: []domain.Row{{"count": n}}}, nil
	case "insertOne":
		if mq.Document == nil {
			return nil, fmt.Errorf("insertOne requires 'document'")
		}
		if _, err := coll.InsertOne(ctx, mq.Document); err != nil {
			return nil, fmt.Errorf("insertOne: %w", err)
		}
		return &domain.ResultSet{IsWrite: true, AffectedRows: 1}, nil
	case "updateMany":
		if mq.Update == nil {
			return nil, fmt.Errorf("updateMany requires 'update'")
		}
		res, err := coll.UpdateMany(ctx, filter, mq.Update)
		if err != nil {
			return nil, fmt.Errorf("updateMany: %w", err)
		}
		return &domain.ResultSet{IsWrite: true, AffectedRows: res.ModifiedCount}, nil
	case "deleteMany":
		res, err := coll.DeleteMany(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("deleteMany: %w", err)
		}
		return &domain.ResultSet{IsWrite: true, AffectedRows: res.DeletedCount}, nil
	default:
		return nil, fmt.Errorf("unsupported operation: %s", mq.Operation)
	}
}

func decodeCursor(ctx context.Context, cursor *mongo.Cursor, limit int) (*domain.ResultSet, error) {
	defer cursor.Close(ctx)

	var docs []bson.D
	truncated := false
	for cursor.Next(ctx) {
		if len(docs) == limit {
			truncated = true
			break
		}
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	rs := documentsToResult(docs)
	rs.Truncated = truncated
	return rs, nil
}

// documentsToResult flattens documents into rows. Columns are the union of
// top-level keys: _id first, then alphabetical.
func documentsToResult(docs []bson.D) *domain.ResultSet {
	colSet := map[string]bool{}
	var columns []string
	for _, doc := range docs {
		for _, elem := range doc {
			if !colSet[elem.Key] {
				colSet[elem.Key] = true
				columns = append(columns, elem.Key)
			}
		}
	}
	sortColumns(columns)

	rows := make([]domain.Row, 0, len(docs))
	for _, doc := range docs {
		row := make(domain.Row, len(doc))
		for _, elem := range doc {
			row[elem.Key] = formatBSON(elem.Value)
		}
		rows = append(rows, row)
	}
	return &domain.ResultSet{Columns: columns, Rows: rows}
}

func sortColumns(columns []string) {
	sort.SliceStable(columns, func(i, j int) bool {
		if columns[i] == "_id" {
			return columns[j] != "_id"
		}
		if columns[j] == "_id" {
			return false
		}
		return columns[i] < columns[j]
	})
}

// formatBSON converts driver values into plain JSON-friendly ones.
func formatBSON(v any) any {
	switch val := v.(type) {
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC().Format(time.RFC3339)
	case bson.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = formatBSON(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = formatBSON(e)
		}
		return out
	default:
		return val
	}
}

var mongoSystemDatabases = map[string]bool{"admin": true, "local": true, "config": true}

func (m *mongoConnector) Introspect(ctx context.Context) (*domain.SchemaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	names, err := m.client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	b := newSchemaBuilder()
	for _, dbName := range names {
		if mongoSystemDatabases[dbName] {
			continue
		}
		db := m.client.Database(dbName)
		b.database(dbName)
		collections, err := db.ListCollectionNames(ctx, bson.D{})
		if err != nil {
			return nil, fmt.Errorf("list collections of %s: %w", dbName, err)
		}
		sort.Strings(collections)
		for _, collName := range collections {
			b.table(dbName, collName, "collection")
			// Fields are sampled from one document
			var doc bson.D
			err := db.Collection(collName).FindOne(ctx, bson.D{}).Decode(&doc)
			if err != nil {
				continue
			}
			for _, col := range sampleColumns(doc) {
				b.column(dbName, collName, col)
			}
		}
	}
	return b.build(), nil
}

func sampleColumns(doc bson.D) []domain.ColumnInfo {
	names := make([]string, 0, len(doc))
	types := make(map[string]string, len(doc))
	for _, e := range doc {
		names = append(names, e.Key)
		types[e.Key] = bsonTypeName(e.Value)
	}
	sortColumns(names)
	cols := make([]domain.ColumnInfo, 0, len(names))
	for _, n := range names {
		cols = append(cols, domain.ColumnInfo{Name: n, Type: types[n], IsPrimary: n == "_id"})
	}
	return cols
}

func bsonTypeName(v any) string {
	switch v.(type) {
	case bson.ObjectID:
		return "objectId"
	case string:
		return "string"
	case int32, int64:
		return "int"
	case float64:
		return "double"
	case bool:
		return "bool"
	case bson.DateTime:
		return "date"
	case bson.D:
		return "object"
	case bson.A:
		return "array"
	case nil:
		return "null"
	default:
		return strings.TrimPrefix(fmt.Sprintf("%T", v), "bson.")
	}
}

func (m *mongoConnector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
