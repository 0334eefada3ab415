package query

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
	"github.com/pay-theory/dynaplan/pkg/loader"
	"github.com/pay-theory/dynaplan/pkg/mocks"
	"github.com/pay-theory/dynaplan/pkg/planner"
	"github.com/pay-theory/dynaplan/pkg/store"
)

var testModels = []core.ModelSchema{
	{
		Name:       "users",
		PrimaryKey: core.KeySchema{PartitionKey: "id"},
		Indexes:    []core.IndexSchema{{Name: "byOrg", PartitionKey: "orgId"}},
	},
	{
		Name:       "posts",
		PrimaryKey: core.KeySchema{PartitionKey: "id"},
		Indexes:    []core.IndexSchema{{Name: "byAuthor", PartitionKey: "authorId", SortKey: "createdAt"}},
	},
	{Name: "comments", PrimaryKey: core.KeySchema{PartitionKey: "id"}},
	{Name: "sessions", PrimaryKey: core.KeySchema{PartitionKey: "id"}},
	{Name: "events", PrimaryKey: core.KeySchema{PartitionKey: "id"}},
}

type fixture struct {
	db       *mocks.MemoryDynamoDB
	catalog  *core.Catalog
	executor *Executor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	catalog, err := core.NewCatalog(testModels...)
	require.NoError(t, err)

	db := mocks.NewMemoryDynamoDB()
	for _, m := range testModels {
		db.AddModel(m)
	}

	s, err := store.New(db)
	require.NoError(t, err)
	l, err := loader.New(s, loader.Options{})
	require.NoError(t, err)
	e, err := New(catalog, s, l, opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	return &fixture{db: db, catalog: catalog, executor: e}
}

func (f *fixture) seedBlog(t *testing.T) {
	t.Helper()
	require.NoError(t, f.db.Seed("users",
		core.Record{"id": "u1", "orgId": "o1", "name": "ann"},
		core.Record{"id": "u2", "orgId": "o1", "name": "bob"},
		core.Record{"id": "u3", "orgId": "o2", "name": "cy"},
	))
	require.NoError(t, f.db.Seed("posts",
		core.Record{"id": "p1", "authorId": "u1", "createdAt": "2024-01-01", "title": "b"},
		core.Record{"id": "p2", "authorId": "u1", "createdAt": "2024-02-01", "title": "a"},
		core.Record{"id": "p3", "authorId": "u1", "createdAt": "2024-03-01", "title": "c"},
		core.Record{"id": "p4", "authorId": "u2", "createdAt": "2024-01-15", "title": "d"},
	))
	require.NoError(t, f.db.Seed("comments",
		core.Record{"id": "c1", "postRef": "p1"},
		core.Record{"id": "c2", "postRef": "p1"},
		core.Record{"id": "c3", "postRef": "p4"},
	))
}

func (f *fixture) run(t *testing.T, req core.Request) []core.Record {
	t.Helper()
	plan, err := planner.Build(f.catalog, req)
	require.NoError(t, err)
	records, err := f.executor.Execute(context.Background(), plan)
	require.NoError(t, err)
	return records
}

func ids(records []core.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i], _ = r["id"].(string)
	}
	return out
}

func TestExecutePrimaryKeyQuery(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedBlog(t)

	records := f.run(t, core.Request{Model: "users", Where: []core.Where{{Field: "id", Value: "u2"}}})
	assert.Equal(t, []string{"u2"}, ids(records))

	require.Equal(t, 1, f.db.Calls("Query"))
	input := f.db.QueryInputs[0]
	assert.Equal(t, "#n1 = :v1", aws.ToString(input.KeyConditionExpression))
	assert.Nil(t, input.IndexName)
	assert.Zero(t, f.db.Calls("Scan"))
}

func TestExecuteResidualFilters(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedBlog(t)

	t.Run("pushable residual becomes a filter expression", func(t *testing.T) {
		f.run(t, core.Request{Model: "posts", Where: []core.Where{{Field: "authorId", Value: "u1"}, {Field: "title", Value: "a"}}})
		input := f.db.QueryInputs[len(f.db.QueryInputs)-1]
		assert.Equal(t, "byAuthor", aws.ToString(input.IndexName))
		assert.Equal(t, "(#n2 = :v2)", aws.ToString(input.FilterExpression))
	})

	t.Run("suffix match is evaluated in memory", func(t *testing.T) {
		records := f.run(t, core.Request{
			Model: "posts",
			Where: []core.Where{{Field: "authorId", Value: "u1"}, {Field: "title", Operator: "ends_with", Value: "a"}},
			Limit: 1,
		})
		assert.Equal(t, []string{"p2"}, ids(records))
		input := f.db.QueryInputs[len(f.db.QueryInputs)-1]
		assert.Nil(t, input.FilterExpression)
		assert.Nil(t, input.Limit)
	})
}

func TestExecuteSort(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedBlog(t)

	t.Run("pushed down with server limit", func(t *testing.T) {
		records := f.run(t, core.Request{
			Model:  "posts",
			Where:  []core.Where{{Field: "authorId", Value: "u1"}},
			SortBy: &core.SortSpec{Field: "createdAt", Descending: true},
			Limit:  2,
		})
		assert.Equal(t, []string{"p3", "p2"}, ids(records))
		input := f.db.QueryInputs[len(f.db.QueryInputs)-1]
		assert.False(t, aws.ToBool(input.ScanIndexForward))
		assert.Equal(t, int32(2), aws.ToInt32(input.Limit))
	})

	t.Run("client sort with offset", func(t *testing.T) {
		records := f.run(t, core.Request{
			Model:  "posts",
			Where:  []core.Where{{Field: "authorId", Value: "u1"}},
			SortBy: &core.SortSpec{Field: "title"},
			Limit:  2,
			Offset: 1,
		})
		assert.Equal(t, []string{"p1", "p3"}, ids(records))
	})

	t.Run("offset past the end", func(t *testing.T) {
		records := f.run(t, core.Request{Model: "posts", Offset: 10})
		assert.Empty(t, records)
	})
}

func TestExecuteBatchGet(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedBlog(t)

	records := f.run(t, core.Request{
		Model: "users",
		Where: []core.Where{
			{Field: "id", Operator: "in", Value: []any{"u1", "u2", "u3", "nobody"}},
			{Field: "name", Operator: "ne", Value: "bob"},
		},
	})
	assert.Equal(t, []string{"u1", "u3"}, ids(records))
	assert.Equal(t, 1, f.db.Calls("BatchGetItem"))
	assert.Zero(t, f.db.Calls("Query"))
	assert.Zero(t, f.db.Calls("Scan"))
}

func TestExecuteScanPageBudget(t *testing.T) {
	seed := func(t *testing.T, f *fixture) {
		for i := 0; i < 25; i++ {
			require.NoError(t, f.db.Seed("events", core.Record{"id": fmt.Sprintf("e%02d", i)}))
		}
		f.db.PageSize = 10
	}

	t.Run("bounded scan fails with a continuation token", func(t *testing.T) {
		f := newFixture(t, Options{MaxScanPages: 1})
		seed(t, f)
		plan, err := planner.Build(f.catalog, core.Request{Model: "events"})
		require.NoError(t, err)

		_, err = f.executor.Execute(context.Background(), plan)
		require.Error(t, err)
		assert.ErrorIs(t, err, dynaplanErrors.ErrScanPageLimitExceeded)
		assert.True(t, dynaplanErrors.IsCode(err, dynaplanErrors.CodeScanPageLimitExceeded))
		assert.Equal(t, 1, f.db.Calls("Scan"))
	})

	t.Run("unbounded scan returns everything", func(t *testing.T) {
		f := newFixture(t, Options{MaxScanPages: 1, Unbounded: true})
		seed(t, f)
		records := f.run(t, core.Request{Model: "events"})
		assert.Len(t, records, 25)
		assert.Equal(t, 3, f.db.Calls("Scan"))
	})

	t.Run("satisfied limit stops before the budget", func(t *testing.T) {
		f := newFixture(t, Options{MaxScanPages: 1})
		seed(t, f)
		records := f.run(t, core.Request{Model: "events", Limit: 5})
		assert.Equal(t, []string{"e00", "e01", "e02", "e03", "e04"}, ids(records))
		assert.Equal(t, 1, f.db.Calls("Scan"))
		assert.Equal(t, int32(5), aws.ToInt32(f.db.ScanInputs[0].Limit))
	})
}

func TestExecuteSessionsJoinedToUsers(t *testing.T) {
	if testing.Short() {
		t.Skip("large scenario")
	}
	f := newFixture(t, Options{})

	const n = 12345
	sessions := make([]core.Record, n)
	users := make([]core.Record, n)
	for i := 0; i < n; i++ {
		sessions[i] = core.Record{"id": fmt.Sprintf("s%05d", i), "userId": fmt.Sprintf("u%05d", i)}
		users[i] = core.Record{"id": fmt.Sprintf("u%05d", i), "name": fmt.Sprintf("user %d", i)}
	}
	require.NoError(t, f.db.Seed("sessions", sessions...))
	require.NoError(t, f.db.Seed("users", users...))

	records := f.run(t, core.Request{
		Model: "sessions",
		Join:  []core.JoinRequest{{Model: "users", As: "user", From: "userId", Cardinality: core.OneToOne}},
	})

	require.Len(t, records, n)
	assert.Equal(t, 13, f.db.Calls("Scan"))
	assert.Equal(t, 124, f.db.Calls("BatchGetItem"))
	assert.Zero(t, f.db.Calls("Query"))

	user, ok := records[42]["user"].(core.Record)
	require.True(t, ok)
	assert.Equal(t, "u00042", user["id"])
}

func TestExecuteJoins(t *testing.T) {
	for _, concurrency := range []int{0, 4} {
		t.Run(fmt.Sprintf("concurrency %d", concurrency), func(t *testing.T) {
			f := newFixture(t, Options{JoinConcurrency: concurrency})
			f.seedBlog(t)

			records := f.run(t, core.Request{
				Model: "users",
				Where: []core.Where{{Field: "orgId", Value: "o1"}},
				Join:  []core.JoinRequest{{Model: "posts", From: "id", To: "authorId", Limit: 2}},
			})
			require.Equal(t, []string{"u1", "u2"}, ids(records))
			assert.Equal(t, []string{"p1", "p2"}, ids(records[0]["posts"].([]core.Record)))
			assert.Equal(t, []string{"p4"}, ids(records[1]["posts"].([]core.Record)))

			// one base query plus one per distinct author
			assert.Equal(t, 3, f.db.Calls("Query"))
			assert.Zero(t, f.db.Calls("Scan"))
		})
	}
}

func TestExecuteJoinVariants(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedBlog(t)

	t.Run("one-to-one by primary key", func(t *testing.T) {
		records := f.run(t, core.Request{
			Model: "posts",
			Where: []core.Where{{Field: "authorId", Value: "u2"}},
			Join:  []core.JoinRequest{{Model: "users", As: "author", From: "authorId", Cardinality: core.OneToOne}},
		})
		require.Len(t, records, 1)
		author, ok := records[0]["author"].(core.Record)
		require.True(t, ok)
		assert.Equal(t, "bob", author["name"])
	})

	t.Run("no correlation values", func(t *testing.T) {
		records := f.run(t, core.Request{
			Model: "users",
			Where: []core.Where{{Field: "orgId", Value: "o2"}},
			Join: []core.JoinRequest{
				{Model: "comments", As: "notes", From: "missing", To: "postRef"},
				{Model: "users", As: "manager", From: "managerId", Cardinality: core.OneToOne},
			},
		})
		require.Len(t, records, 1)
		assert.Equal(t, []core.Record{}, records[0]["notes"])
		v, ok := records[0]["manager"]
		assert.True(t, ok)
		assert.Nil(t, v)
	})

	t.Run("unindexed target scans with an IN filter", func(t *testing.T) {
		scans := f.db.Calls("Scan")
		records := f.run(t, core.Request{
			Model:  "posts",
			Where:  []core.Where{{Field: "authorId", Value: "u1"}},
			SortBy: &core.SortSpec{Field: "createdAt"},
			Join:   []core.JoinRequest{{Model: "comments", From: "id", To: "postRef"}},
		})
		require.Equal(t, []string{"p1", "p2", "p3"}, ids(records))
		assert.Equal(t, []string{"c1", "c2"}, ids(records[0]["comments"].([]core.Record)))
		assert.Empty(t, records[1]["comments"])

		require.Equal(t, scans+1, f.db.Calls("Scan"))
		input := f.db.ScanInputs[len(f.db.ScanInputs)-1]
		assert.True(t, strings.Contains(aws.ToString(input.FilterExpression), " IN ("))
	})
}

func TestExecuteProjection(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedBlog(t)

	records := f.run(t, core.Request{
		Model:  "users",
		Where:  []core.Where{{Field: "id", Value: "u1"}},
		Select: []string{"name"},
		Join:   []core.JoinRequest{{Model: "posts", From: "id", To: "authorId"}},
	})
	require.Len(t, records, 1)
	assert.ElementsMatch(t, []string{"name", "id", "posts"}, keys(records[0]))
	assert.Len(t, records[0]["posts"], 3)

	input := f.db.QueryInputs[0]
	require.NotNil(t, input.ProjectionExpression)
	assert.Contains(t, input.ExpressionAttributeNames, "#n1")
}

func TestCount(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedBlog(t)

	count := func(req core.Request) int {
		plan, err := planner.Build(f.catalog, req)
		require.NoError(t, err)
		n, err := f.executor.Count(context.Background(), plan)
		require.NoError(t, err)
		return n
	}

	assert.Equal(t, 2, count(core.Request{Model: "users", Where: []core.Where{{Field: "orgId", Value: "o1"}}, Limit: 1}))
	assert.Equal(t, 1, count(core.Request{Model: "users", Where: []core.Where{{Field: "name", Operator: "ends_with", Value: "n"}}}))
	assert.Equal(t, 4, count(core.Request{Model: "posts"}))
}

func TestNewValidatesDependencies(t *testing.T) {
	catalog, err := core.NewCatalog(testModels...)
	require.NoError(t, err)

	_, err = New(nil, nil, nil, Options{})
	assert.ErrorIs(t, err, dynaplanErrors.ErrMissingCatalog)

	_, err = New(catalog, nil, nil, Options{})
	assert.ErrorIs(t, err, dynaplanErrors.ErrMissingClient)
}

func keys(r core.Record) []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	return out
}
